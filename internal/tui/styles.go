package tui

import (
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive colors that work on light and dark terminals.
var (
	colorBrand  = lipgloss.AdaptiveColor{Light: "#294D73", Dark: "#FFD524"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "#44AD4D", Dark: "#44AD4D"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#E34039", Dark: "#E34039"}
	colorAmber  = lipgloss.AdaptiveColor{Light: "#D98C00", Dark: "#FFB020"}
	colorSubtle = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	colorFg     = lipgloss.AdaptiveColor{Light: "#192E45", Dark: "#F5F7FA"}
	colorDimFg  = lipgloss.AdaptiveColor{Light: "#8A96A3", Dark: "#7A8794"}
	colorBorder = lipgloss.AdaptiveColor{Light: "#D5DBE1", Dark: "#2B3A4A"}
	colorRowBg  = lipgloss.AdaptiveColor{Light: "#E3EAF2", Dark: "#1C3049"}
)

// Header styles.
var (
	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBrand).
			PaddingRight(2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBrand).
			Underline(true).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(colorDimFg).
				Padding(0, 2)
)

// Connection status pill styles.
var (
	connectedPillStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FFFFFF")).
				Background(colorGreen).
				Padding(0, 1)

	disconnectedPillStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FFFFFF")).
				Background(colorRed).
				Padding(0, 1)

	connectingPillStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FFFFFF")).
				Background(colorAmber).
				Padding(0, 1)
)

// Footer / help bar styles.
var (
	helpBarStyle = lipgloss.NewStyle().
			Foreground(colorDimFg).
			Padding(0, 1)

	helpKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBrand)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(colorDimFg)

	helpSepStyle = lipgloss.NewStyle().
			Foreground(colorSubtle)
)

// General content styles.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBrand).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorAmber)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDimFg)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(1, 2)

	cardTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBrand).
			MarginBottom(1)

	cardLabelStyle = lipgloss.NewStyle().
			Foreground(colorDimFg).
			Width(14)

	cardValueStyle = lipgloss.NewStyle().
			Foreground(colorFg)
)

// latencyStyle colours a probe result.
func latencyStyle(d time.Duration) lipgloss.Style {
	switch {
	case d < 100*time.Millisecond:
		return lipgloss.NewStyle().Foreground(colorGreen)
	case d < 500*time.Millisecond:
		return lipgloss.NewStyle().Foreground(colorAmber)
	default:
		return lipgloss.NewStyle().Foreground(colorRed)
	}
}

var spinnerStyle = lipgloss.NewStyle().Foreground(colorBrand)

// Notification styles.
var (
	notifSuccessStyle = lipgloss.NewStyle().
				Foreground(colorGreen).
				Bold(true).
				Padding(0, 1)

	notifErrorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true).
			Padding(0, 1)
)
