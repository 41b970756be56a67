package models

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/meshbridge/internal/frame"
	"github.com/allbin/meshbridge/internal/tui/components"
	"github.com/allbin/meshbridge/internal/tui/keys"
	"github.com/allbin/meshbridge/internal/tui/styles"
)

const (
	dialTimeout    = 5 * time.Second
	reconnectDelay = 2 * time.Second
	readBufferSize = 4096
)

var errNotConnected = errors.New("not connected")

// ConnectionStatusMsg reports the outcome of a dial or the end of a session
type ConnectionStatusMsg struct {
	Connected bool
	Error     error
}

type reconnectMsg struct{}

// streamMsg wraps messages produced by the reader goroutine so Update knows
// to re-arm the channel wait
type streamMsg struct {
	msg tea.Msg
}

// WantConfigPayload encodes a ToRadio message carrying want_config_id, which
// makes the radio dump its configuration and node database
func WantConfigPayload(id uint32) []byte {
	// field 3, wire type varint
	return binary.AppendUvarint([]byte{0x18}, uint64(id))
}

type WatchOptions struct {
	MaxPayload int
	// Request the radio config as soon as the connection is up
	WantConfigOnConnect bool
}

// Watch is a read-mostly client of a running bridge
type Watch struct {
	addr string
	opts WatchOptions
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	ctx    context.Context
	cancel context.CancelFunc
	events chan tea.Msg

	mu   sync.Mutex
	conn net.Conn

	connected bool
	ready     bool
	counters  components.Counters

	terminal  *components.Terminal
	statusBar *components.StatusBar
	help      help.Model
	keys      keys.WatchKeys
}

func NewWatch(addr string, opts WatchOptions) *Watch {
	if opts.MaxPayload == 0 {
		opts.MaxPayload = frame.DefaultMaxPayload
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &net.Dialer{Timeout: dialTimeout}
	return &Watch{
		addr:      addr,
		opts:      opts,
		dial:      d.DialContext,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan tea.Msg, 64),
		terminal:  components.NewTerminal(80, 20),
		statusBar: components.NewStatusBar(addr),
		help:      help.New(),
		keys:      keys.NewWatchKeys(),
	}
}

func (m *Watch) IsConnected() bool {
	return m.connected
}

func (m *Watch) Counters() components.Counters {
	return m.counters
}

func (m *Watch) Terminal() *components.Terminal {
	return m.terminal
}

// Cleanup stops the reader and closes the connection
func (m *Watch) Cleanup() {
	m.cancel()
	m.closeConn()
}

func (m *Watch) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Watch) connect() tea.Cmd {
	m.statusBar.SetConnecting()
	return func() tea.Msg {
		conn, err := m.dial(m.ctx, "tcp", m.addr)
		if err != nil {
			return ConnectionStatusMsg{Error: err}
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		go m.readLoop(conn)
		return ConnectionStatusMsg{Connected: true}
	}
}

func (m *Watch) waitForStream() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.events:
			return streamMsg{msg: msg}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Watch) send(msg tea.Msg) {
	select {
	case m.events <- msg:
	case <-m.ctx.Done():
	}
}

// readLoop decodes the bridge stream into frame and log events until the
// connection ends
func (m *Watch) readLoop(conn net.Conn) {
	dec, err := frame.NewDecoder(
		frame.WithMaxPayload(m.opts.MaxPayload),
		frame.WithDiagnostics(func(line string) {
			m.send(components.Event{Timestamp: time.Now(), Kind: components.EventLog, Text: line})
		}),
	)
	if err != nil {
		m.send(ConnectionStatusMsg{Error: err})
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for f := range dec.Frames() {
				m.send(components.Event{Timestamp: time.Now(), Kind: components.EventFrame, Data: f.Payload})
			}
		}
		if err != nil {
			dec.Flush()
			if m.ctx.Err() != nil {
				return
			}
			m.send(ConnectionStatusMsg{Error: err})
			return
		}
	}
}

// SendWantConfig frames a want_config request and writes it to the bridge
func (m *Watch) SendWantConfig() (uint32, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return 0, errNotConnected
	}

	id := rand.Uint32()
	data, err := frame.Encode(WantConfigPayload(id))
	if err != nil {
		return 0, err
	}
	if _, err := conn.Write(data); err != nil {
		return 0, err
	}
	m.counters.Sent++
	return id, nil
}

func (m *Watch) status(text string) {
	m.terminal.Add(components.Event{Timestamp: time.Now(), Kind: components.EventStatus, Text: text})
}

func (m *Watch) requestConfig() {
	id, err := m.SendWantConfig()
	if err != nil {
		m.status(fmt.Sprintf("want_config failed: %v", err))
		return
	}
	m.terminal.Add(components.Event{
		Timestamp: time.Now(),
		Kind:      components.EventTX,
		Text:      fmt.Sprintf("want_config id=%d", id),
	})
}

func (m *Watch) Init() tea.Cmd {
	return tea.Batch(m.connect(), m.waitForStream())
}

func (m *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	if s, ok := msg.(streamMsg); ok {
		msg = s.msg
		cmds = append(cmds, m.waitForStream())
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		// Status bar plus the content border
		m.terminal.SetSize(msg.Width, msg.Height-2)
		m.statusBar.SetWidth(msg.Width)
		m.ready = true

	case ConnectionStatusMsg:
		if msg.Connected {
			m.connected = true
			m.statusBar.SetConnected()
			m.status("connected to " + m.addr)
			if m.opts.WantConfigOnConnect {
				m.requestConfig()
			}
			break
		}

		wasConnected := m.connected
		m.connected = false
		m.closeConn()
		m.statusBar.SetDisconnected(msg.Error)
		if wasConnected || msg.Error != nil {
			m.status(fmt.Sprintf("disconnected: %v", msg.Error))
		}
		cmds = append(cmds, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} }))

	case reconnectMsg:
		if !m.connected && m.ctx.Err() == nil {
			cmds = append(cmds, m.connect())
		}

	case components.Event:
		switch msg.Kind {
		case components.EventFrame:
			m.counters.Frames++
			m.counters.Bytes += len(msg.Data)
		case components.EventLog:
			m.counters.Lines++
		}
		m.terminal.Add(msg)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.Cleanup()
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll

		case key.Matches(msg, m.keys.Clear):
			m.terminal.Clear()

		case key.Matches(msg, m.keys.ToggleHex):
			m.terminal.Formatter().ToggleHex()
			m.terminal.Refresh()

		case key.Matches(msg, m.keys.ToggleASCII):
			m.terminal.Formatter().ToggleASCII()
			m.terminal.Refresh()

		case key.Matches(msg, m.keys.ToggleLogs):
			m.terminal.Formatter().ToggleLogs()
			m.terminal.Refresh()

		case key.Matches(msg, m.keys.WantConfig):
			m.requestConfig()

		case key.Matches(msg, m.keys.Reconnect):
			// The reader reports the disconnect and schedules the redial
			m.closeConn()

		case key.Matches(msg, m.keys.Up):
			m.terminal.ScrollUp()

		case key.Matches(msg, m.keys.Down):
			m.terminal.ScrollDown()

		case key.Matches(msg, m.keys.Top):
			m.terminal.GotoTop()

		case key.Matches(msg, m.keys.Bottom):
			m.terminal.GotoBottom()
		}
	}

	if _, ok := msg.(tea.WindowSizeMsg); ok {
		_, cmd := m.terminal.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Watch) View() string {
	content := "Initializing..."
	if m.ready {
		content = m.terminal.View()
	}

	statusBar := m.statusBar.Render(
		m.connected,
		m.terminal.Formatter().GetDisplayMode(),
		m.counters,
		time.Now().Format("15:04:05"),
	)

	contentWithBorder := styles.ContentBorderStyle.Render(content)

	if m.help.ShowAll {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			contentWithBorder,
			styles.HelpStyle.Render(m.help.View(m.keys)),
			statusBar,
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left, contentWithBorder, statusBar)
}
