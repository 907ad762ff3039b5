package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mullproxy/internal/core/types"
	"mullproxy/internal/popup"
	"mullproxy/internal/storage/models"
)

type statusModel struct {
	width  int
	height int

	details *models.ConnectionDetails
	err     error
	loading bool
}

func newStatusModel() statusModel {
	return statusModel{}
}

func (sm *statusModel) setSize(w, h int) {
	sm.width = w
	sm.height = h
}

func (sm *statusModel) setDetails(msg detailsLoadedMsg) {
	sm.loading = false
	sm.err = msg.err
	if msg.details != nil {
		sm.details = msg.details
	}
}

func (sm *statusModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Details) && !sm.loading {
		sm.loading = true
		return loadDetails(root.api, root.bg, true)
	}
	return nil
}

func (sm *statusModel) View(state popup.State, server *models.Server, s spinner.Model) string {
	w := max(sm.width-6, 30)

	conn := sm.connectionCard(state, server)
	details := sm.detailsCard(s)

	var content string
	if sm.width > 80 {
		halfW := (w - 4) / 2
		content = lipgloss.JoinHorizontal(lipgloss.Top,
			cardStyle.Width(halfW).Render(conn), "  ", cardStyle.Width(halfW).Render(details))
	} else {
		content = lipgloss.JoinVertical(lipgloss.Left,
			cardStyle.Width(w).Render(conn), cardStyle.Width(w).Render(details))
	}
	return forceHeight(content, sm.width, sm.height)
}

func (sm *statusModel) connectionCard(state popup.State, server *models.Server) string {
	rows := []string{cardTitleStyle.Render("Proxy")}
	switch {
	case state.IsConnecting:
		rows = append(rows, sm.row("Status", warningStyle.Render("Verifying")))
	case state.IsConnected:
		rows = append(rows, sm.row("Status", successStyle.Render("Connected")))
	default:
		rows = append(rows,
			sm.row("Status", dimStyle.Render("Not proxied")),
			"",
			dimStyle.Render("Pick a server in the Servers tab and press 'c'"),
		)
		return lipgloss.JoinVertical(lipgloss.Left, rows...)
	}

	if state.Host != "" {
		rows = append(rows, sm.row("Proxy", fmt.Sprintf("socks5://%s:%d", state.Host, types.SOCKSPort)))
	}
	if server != nil {
		rows = append(rows,
			sm.row("Server", server.Hostname),
			sm.row("Location", server.CityName+", "+server.CountryName),
		)
		if server.Provider != "" {
			rows = append(rows, sm.row("Provider", server.Provider))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (sm *statusModel) detailsCard(s spinner.Model) string {
	rows := []string{cardTitleStyle.Render("Connection details")}

	switch {
	case sm.loading:
		rows = append(rows, s.View()+" Looking up...")
	case sm.err != nil:
		rows = append(rows, errorStyle.Render("Lookup failed"), dimStyle.Render(sm.err.Error()))
	case sm.details == nil:
		rows = append(rows, dimStyle.Render("Press 'u' to look up"))
	default:
		d := sm.details
		rows = append(rows,
			sm.row("Public IP", d.IP),
			sm.row("Location", d.City+", "+d.Country),
		)
		if d.MullvadExitIP {
			rows = append(rows,
				sm.row("Exit", successStyle.Render(d.MullvadExitIPHostname)),
				sm.row("Type", d.MullvadServerType),
			)
		} else {
			rows = append(rows, sm.row("Exit", errorStyle.Render("not via Mullvad")))
		}
		if d.Organization != "" {
			rows = append(rows, sm.row("Network", d.Organization))
		}
		if d.Blacklisted != nil && d.Blacklisted.Blacklisted {
			rows = append(rows, sm.row("Blacklisted", warningStyle.Render("yes")))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (sm *statusModel) row(label, value string) string {
	return cardLabelStyle.Render(label+":") + " " + cardValueStyle.Render(value)
}
