package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mullproxy/internal/options"
)

// optionKind distinguishes toggles from free-text list options.
type optionKind int

const (
	optionToggle optionKind = iota
	optionList              // comma separated
)

type optionDef struct {
	name        string
	label       string
	description string
	kind        optionKind
}

var optionDefs = []optionDef{
	{name: options.AutoConnect, label: "Auto-connect", description: "Connect when the background starts", kind: optionToggle},
	{name: options.RememberConnectedServer, label: "Remember server", description: "Auto-connect to the last server instead of the default", kind: optionToggle},
	{name: options.ProxyDNS, label: "Proxy DNS", description: "Resolve names through the SOCKS proxy", kind: optionToggle},
	{name: options.EnableNotifications, label: "Notifications", description: "Show desktop notifications", kind: optionToggle},
	{name: options.EnableNotificationsOnlyErrors, label: "Only errors", description: "Only notify about failures", kind: optionToggle},
	{name: options.EnableQuickConnect, label: "Quick connect", description: "Connect as soon as a server is picked", kind: optionToggle},
	{name: options.EnableExcludeList, label: "Exclude list", description: "Bypass the proxy for excluded sites", kind: optionToggle},
	{name: options.ExcludeList, label: "Excluded sites", description: "Comma separated hosts, *.example.com matches subdomains", kind: optionList},
	{name: options.EnableIPv6Lookups, label: "IPv6 lookups", description: "Also look up the IPv6 address", kind: optionToggle},
	{name: options.EnableDebugInfo, label: "Debug info", description: "Log at debug level in the background", kind: optionToggle},
}

type settingsModel struct {
	opts    options.Options
	cursor  int
	editing bool
	input   textinput.Model
	width   int
	height  int
}

func newSettingsModel() settingsModel {
	ti := textinput.New()
	ti.CharLimit = 1024
	ti.Prompt = "> "
	ti.PromptStyle = lipgloss.NewStyle().Foreground(colorBrand)
	ti.TextStyle = lipgloss.NewStyle().Foreground(colorFg)

	return settingsModel{input: ti}
}

func (sm *settingsModel) setSize(w, h int) {
	sm.width = w
	sm.height = h
	sm.input.Width = w / 2
}

func (sm *settingsModel) setOptions(opts options.Options) {
	sm.opts = opts
}

func (sm *settingsModel) currentDef() optionDef {
	if sm.cursor >= 0 && sm.cursor < len(optionDefs) {
		return optionDefs[sm.cursor]
	}
	return optionDefs[0]
}

// value returns the option's value as shown in the list.
func (sm *settingsModel) value(name string) string {
	switch name {
	case options.ExcludeList:
		if len(sm.opts.ExcludeList) == 0 {
			return "(empty)"
		}
		return strings.Join(sm.opts.ExcludeList, ", ")
	default:
		if sm.toggled(name) {
			return "on"
		}
		return "off"
	}
}

func (sm *settingsModel) toggled(name string) bool {
	switch name {
	case options.AutoConnect:
		return sm.opts.AutoConnect
	case options.RememberConnectedServer:
		return sm.opts.RememberConnectedServer
	case options.ProxyDNS:
		return sm.opts.ProxyDNS
	case options.EnableNotifications:
		return sm.opts.EnableNotifications
	case options.EnableNotificationsOnlyErrors:
		return sm.opts.EnableNotificationsOnlyErrors
	case options.EnableIPv6Lookups:
		return sm.opts.EnableIPv6Lookups
	case options.EnableDebugInfo:
		return sm.opts.EnableDebugInfo
	case options.EnableExcludeList:
		return sm.opts.EnableExcludeList
	case options.EnableQuickConnect:
		return sm.opts.EnableQuickConnect
	}
	return false
}

func (sm *settingsModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if sm.editing {
		return sm.updateEditing(msg, root)
	}

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return nil
	}
	def := sm.currentDef()

	switch keyMsg.String() {
	case "up", "k":
		if sm.cursor > 0 {
			sm.cursor--
		}
	case "down", "j":
		if sm.cursor < len(optionDefs)-1 {
			sm.cursor++
		}
	case "enter", " ", "left", "right", "h", "l":
		if def.kind == optionToggle {
			return saveOption(root.options, def.name, !sm.toggled(def.name))
		}
		if keyMsg.String() == "enter" {
			sm.editing = true
			sm.input.SetValue(strings.Join(sm.opts.ExcludeList, ", "))
			sm.input.Focus()
			return textinput.Blink
		}
	}
	return nil
}

func (sm *settingsModel) updateEditing(msg tea.Msg, root *Model) tea.Cmd {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, keys.Back):
			sm.editing = false
			sm.input.Blur()
			return nil
		case msg.String() == "enter":
			sm.editing = false
			sm.input.Blur()
			def := sm.currentDef()
			v, err := options.Parse(def.name, sm.input.Value())
			if err != nil {
				return func() tea.Msg { return optionSavedMsg{name: def.name, err: err} }
			}
			return saveOption(root.options, def.name, v)
		}
	}

	var cmd tea.Cmd
	sm.input, cmd = sm.input.Update(msg)
	return cmd
}

func (sm *settingsModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Options"))
	b.WriteString("\n\n")

	for i, def := range optionDefs {
		val := sm.value(def.name)

		var line string
		if i == sm.cursor {
			label := lipgloss.NewStyle().Bold(true).Foreground(colorBrand).Width(20).Render("> " + def.label)
			switch {
			case sm.editing:
				line = label + sm.input.View()
			case def.kind == optionToggle:
				line = label + renderToggle(sm.toggled(def.name))
			default:
				line = label + lipgloss.NewStyle().Foreground(colorFg).Render(val)
			}
		} else {
			label := lipgloss.NewStyle().Foreground(colorFg).Width(20).Render("  " + def.label)
			line = label + lipgloss.NewStyle().Foreground(colorDimFg).Render(val)
		}
		b.WriteString(line + "\n")

		if i == sm.cursor && !sm.editing {
			hint := def.description
			if def.kind == optionToggle {
				hint += "  (enter/space to toggle)"
			} else {
				hint += "  (enter to edit)"
			}
			b.WriteString(lipgloss.NewStyle().Foreground(colorDimFg).PaddingLeft(2).Render("  "+hint) + "\n")
		}
	}

	return forceHeight(b.String(), sm.width, sm.height)
}

func renderToggle(on bool) string {
	if on {
		return lipgloss.NewStyle().Bold(true).Foreground(colorGreen).Render("[on]") + dimStyle.Render("  off ")
	}
	return dimStyle.Render(" on  ") + lipgloss.NewStyle().Bold(true).Foreground(colorRed).Render("[off]")
}
