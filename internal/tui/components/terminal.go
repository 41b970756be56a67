package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// maxEvents bounds the scrollback
const maxEvents = 2000

type Terminal struct {
	viewport  viewport.Model
	formatter *DataFormatter
	events    []Event
	follow    bool
}

func NewTerminal(width, height int) *Terminal {
	return &Terminal{
		viewport:  viewport.New(width, height),
		formatter: NewDataFormatter(),
		follow:    true,
	}
}

func (t *Terminal) SetSize(width, height int) {
	t.viewport.Width = width
	t.viewport.Height = height
}

func (t *Terminal) Width() int {
	return t.viewport.Width
}

// Add appends ev, dropping the oldest events past the scrollback limit
func (t *Terminal) Add(ev Event) {
	t.events = append(t.events, ev)
	if len(t.events) > maxEvents {
		t.events = append(t.events[:0], t.events[len(t.events)-maxEvents:]...)
	}
	t.Refresh()
}

func (t *Terminal) Len() int {
	return len(t.events)
}

// Refresh re-renders every event, used after a display mode change
func (t *Terminal) Refresh() {
	t.viewport.SetContent(strings.Join(t.formatter.FormatEvents(t.events), "\n"))
	if t.follow {
		t.viewport.GotoBottom()
	}
}

func (t *Terminal) Clear() {
	t.events = nil
	t.viewport.SetContent("")
}

func (t *Terminal) Formatter() *DataFormatter {
	return t.formatter
}

func (t *Terminal) Following() bool {
	return t.follow
}

func (t *Terminal) ScrollUp() {
	t.follow = false
	t.viewport.LineUp(1)
}

func (t *Terminal) ScrollDown() {
	t.viewport.LineDown(1)
	t.follow = t.viewport.AtBottom()
}

func (t *Terminal) GotoTop() {
	t.follow = false
	t.viewport.GotoTop()
}

func (t *Terminal) GotoBottom() {
	t.follow = true
	t.viewport.GotoBottom()
}

func (t *Terminal) Update(msg tea.Msg) (viewport.Model, tea.Cmd) {
	// Key messages are handled by the model so the viewport does not steal bindings
	switch msg.(type) {
	case tea.WindowSizeMsg:
		return t.viewport.Update(msg)
	default:
		return t.viewport, nil
	}
}

func (t *Terminal) View() string {
	return t.viewport.View()
}
