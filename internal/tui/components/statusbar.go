package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/meshbridge/internal/tui/styles"
)

// Counters are the running totals shown on the right of the status bar
type Counters struct {
	Frames int
	Lines  int
	Bytes  int
	Sent   int
}

type StatusBar struct {
	addr       string
	status     string
	err        error
	width      int
	connecting bool
}

func NewStatusBar(addr string) *StatusBar {
	return &StatusBar{
		addr:   addr,
		status: "Initializing...",
	}
}

func (sb *StatusBar) SetWidth(width int) {
	sb.width = width
}

func (sb *StatusBar) Status() string {
	return sb.status
}

func (sb *StatusBar) SetConnecting() {
	sb.status = "Connecting..."
	sb.err = nil
	sb.connecting = true
}

func (sb *StatusBar) SetConnected() {
	sb.status = "Connected"
	sb.err = nil
	sb.connecting = false
}

func (sb *StatusBar) SetDisconnected(err error) {
	sb.connecting = false
	if err != nil {
		sb.status = fmt.Sprintf("Disconnected: %v", err)
		sb.err = err
	} else {
		sb.status = "Disconnected"
		sb.err = nil
	}
}

func onOff(label string, on bool) string {
	if on {
		return label + ":on"
	}
	return label + ":off"
}

// Render draws the bar: addr and link state on the left, display toggles,
// counters and the clock on the right
func (sb *StatusBar) Render(connected bool, mode DisplayMode, counters Counters, timestamp string) string {
	terminalWidth := sb.width
	if terminalWidth <= 0 {
		terminalWidth = 80
	}

	title := lipgloss.NewStyle().
		Foreground(styles.Base).
		Background(styles.Blue).
		Bold(true).
		Padding(0, 1).
		Render("WATCH")

	addr := lipgloss.NewStyle().
		Foreground(styles.Mauve).
		Bold(true).
		Padding(0, 1).
		Render(sb.addr)

	var indicator string
	var status styles.StatusType
	switch {
	case sb.err != nil:
		indicator, status = "✗", styles.StatusDisconnected
	case connected:
		indicator, status = "●", styles.StatusConnected
	case sb.connecting:
		indicator, status = "○", styles.StatusConnecting
	default:
		indicator, status = "○", styles.StatusDisconnected
	}
	conn := styles.GetStatusStyle(status).Render(indicator)

	divider := lipgloss.NewStyle().
		Foreground(styles.Surface2).
		Padding(0, 1).
		Render("│")

	toggles := lipgloss.NewStyle().
		Foreground(styles.Subtext0).
		Padding(0, 1).
		Render(fmt.Sprintf("%s %s %s",
			onOff("hex", mode.ShowHex), onOff("ascii", mode.ShowASCII), onOff("logs", mode.ShowLogs)))

	stats := lipgloss.NewStyle().
		Foreground(styles.Teal).
		Padding(0, 1).
		Render(fmt.Sprintf("⚡ %d frames %d lines %dB rx %d tx",
			counters.Frames, counters.Lines, counters.Bytes, counters.Sent))

	clock := lipgloss.NewStyle().
		Foreground(styles.Subtext1).
		Padding(0, 1).
		Render(timestamp)

	leftSide := lipgloss.JoinHorizontal(lipgloss.Left, title, addr, conn, divider)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Left, toggles, divider, stats, divider, clock)

	spacerWidth := terminalWidth - lipgloss.Width(leftSide) - lipgloss.Width(rightSide)
	if spacerWidth < 1 {
		spacerWidth = 1
	}
	spacer := lipgloss.NewStyle().Width(spacerWidth).Render("")

	return lipgloss.NewStyle().
		Foreground(styles.Text).
		Background(styles.Surface0).
		Width(terminalWidth).
		Render(lipgloss.JoinHorizontal(lipgloss.Left, leftSide, spacer, rightSide))
}
