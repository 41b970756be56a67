package styles

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha
var (
	Base     = lipgloss.Color("#1e1e2e")
	Surface0 = lipgloss.Color("#313244")
	Surface1 = lipgloss.Color("#45475a")
	Surface2 = lipgloss.Color("#585b70")
	Overlay1 = lipgloss.Color("#7f849c")
	Subtext0 = lipgloss.Color("#a6adc8")
	Subtext1 = lipgloss.Color("#bac2de")
	Text     = lipgloss.Color("#cdd6f4")

	Blue   = lipgloss.Color("#89b4fa")
	Sky    = lipgloss.Color("#89dceb")
	Teal   = lipgloss.Color("#94e2d5")
	Green  = lipgloss.Color("#a6e3a1")
	Yellow = lipgloss.Color("#f9e2af")
	Peach  = lipgloss.Color("#fab387")
	Red    = lipgloss.Color("#f38ba8")
	Mauve  = lipgloss.Color("#cba6f7")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Mauve).
			Background(Surface0).
			Padding(0, 1)

	ContentBorderStyle = lipgloss.NewStyle().
				BorderTop(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(Surface1)

	HelpStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Surface2).
			Padding(1, 2).
			Margin(1, 0)

	TimestampStyle = lipgloss.NewStyle().Foreground(Subtext0)

	FrameStyle  = lipgloss.NewStyle().Foreground(Sky).Bold(true)
	LogStyle    = lipgloss.NewStyle().Foreground(Overlay1)
	TXStyle     = lipgloss.NewStyle().Foreground(Peach).Bold(true)
	StatusStyle = lipgloss.NewStyle().Foreground(Yellow)

	// Used by the list and info commands
	LabelStyle = lipgloss.NewStyle().Foreground(Subtext1).Bold(true)
	ValueStyle = lipgloss.NewStyle().Foreground(Text)
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Mauve).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(Surface2)
	ErrorStyle = lipgloss.NewStyle().Bold(true).Foreground(Red)
)

type StatusType int

const (
	StatusConnected StatusType = iota
	StatusDisconnected
	StatusConnecting
)

func GetStatusStyle(status StatusType) lipgloss.Style {
	switch status {
	case StatusConnected:
		return lipgloss.NewStyle().Foreground(Green)
	case StatusConnecting:
		return lipgloss.NewStyle().Foreground(Yellow)
	default:
		return lipgloss.NewStyle().Foreground(Red)
	}
}
