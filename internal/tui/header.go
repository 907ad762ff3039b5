package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"mullproxy/internal/popup"
)

var tabNames = []string{"Countries", "Servers", "Status", "Options"}

func renderHeader(activeTab int, state popup.State, width int) string {
	logo := logoStyle.Render("MULLPROXY")

	var pill string
	switch {
	case state.IsConnecting:
		pill = connectingPillStyle.Render(" CONNECTING ")
	case state.IsConnected:
		label := " CONNECTED "
		if state.Host != "" {
			label = " " + state.Host + " "
		}
		pill = connectedPillStyle.Render(label)
	default:
		pill = disconnectedPillStyle.Render(" NOT PROXIED ")
	}

	var tabs []string
	for i, name := range tabNames {
		if i == activeTab {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(name))
		}
	}
	tabBar := lipgloss.JoinHorizontal(lipgloss.Bottom, tabs...)

	// Logo left, pill right.
	gap := width - lipgloss.Width(logo) - lipgloss.Width(pill)
	if gap < 1 {
		gap = 1
	}
	topRow := logo + strings.Repeat(" ", gap) + pill

	return lipgloss.JoinVertical(lipgloss.Left, topRow, tabBar, separator(width))
}

func renderFooter(helpText string, width int) string {
	return lipgloss.JoinVertical(lipgloss.Left, separator(width), helpBarStyle.Render(helpText))
}

func separator(width int) string {
	return lipgloss.NewStyle().
		Foreground(colorBorder).
		Render(strings.Repeat("─", max(width, 0)))
}

func renderHelpBar(showFull bool) string {
	if showFull {
		var lines []string
		for _, group := range keys.FullHelp() {
			lines = append(lines, renderBindings(group, "  "))
		}
		return strings.Join(lines, "\n")
	}
	return renderBindings(keys.ShortHelp(), " | ")
}

func renderBindings(bindings []key.Binding, sep string) string {
	var parts []string
	for _, b := range bindings {
		if !b.Enabled() {
			continue
		}
		parts = append(parts, helpKeyStyle.Render(b.Help().Key)+" "+helpDescStyle.Render(b.Help().Desc))
	}
	return strings.Join(parts, helpSepStyle.Render(sep))
}
