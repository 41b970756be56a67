package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/allbin/meshbridge/internal/tui/styles"
)

// EventKind classifies what the watch view received or did
type EventKind int

const (
	EventFrame EventKind = iota
	EventLog
	EventTX
	EventStatus
)

// Event is one line in the watch view
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Data      []byte
	Text      string
}

type DisplayMode struct {
	ShowHex   bool
	ShowASCII bool
	ShowLogs  bool
}

type DataFormatter struct {
	mode DisplayMode
}

// NewDataFormatter shows hex payloads and device log lines by default
func NewDataFormatter() *DataFormatter {
	return &DataFormatter{
		mode: DisplayMode{ShowHex: true, ShowLogs: true},
	}
}

func (df *DataFormatter) GetDisplayMode() DisplayMode {
	return df.mode
}

// Visible reports whether ev is shown under the current mode
func (df *DataFormatter) Visible(ev Event) bool {
	return ev.Kind != EventLog || df.mode.ShowLogs
}

func (df *DataFormatter) FormatEvent(ev Event) string {
	ts := styles.TimestampStyle.Render(fmt.Sprintf("[%s]", ev.Timestamp.Format("15:04:05.000")))

	switch ev.Kind {
	case EventLog:
		return fmt.Sprintf("%s %s %s", ts, styles.LogStyle.Render("≡ LOG  "), ev.Text)
	case EventTX:
		return fmt.Sprintf("%s %s %s", ts, styles.TXStyle.Render("↗ TX   "), ev.Text)
	case EventStatus:
		return fmt.Sprintf("%s %s", ts, styles.StatusStyle.Render("• "+ev.Text))
	}

	indicator := styles.FrameStyle.Render("↙ FRAME")
	return fmt.Sprintf("%s %s %4dB  %s", ts, indicator, len(ev.Data), df.formatPayload(ev.Data))
}

func (df *DataFormatter) formatPayload(data []byte) string {
	var parts []string
	if df.mode.ShowHex {
		parts = append(parts, fmt.Sprintf("HEX: % X", data))
	}
	if df.mode.ShowASCII {
		parts = append(parts, "ASCII: "+printable(data))
	}
	return strings.Join(parts, "  ")
}

// printable replaces non-printable bytes with dots so payloads cannot
// inject terminal control sequences
func printable(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if c >= 32 && c <= 126 {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

func (df *DataFormatter) FormatEvents(events []Event) []string {
	formatted := make([]string, 0, len(events))
	for _, ev := range events {
		if df.Visible(ev) {
			formatted = append(formatted, df.FormatEvent(ev))
		}
	}
	return formatted
}

func (df *DataFormatter) ToggleHex() {
	df.mode.ShowHex = !df.mode.ShowHex
}

func (df *DataFormatter) ToggleASCII() {
	df.mode.ShowASCII = !df.mode.ShowASCII
}

func (df *DataFormatter) ToggleLogs() {
	df.mode.ShowLogs = !df.mode.ShowLogs
}
