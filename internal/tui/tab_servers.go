package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mullproxy/internal/servers"
	"mullproxy/internal/storage/models"
)

type serversModel struct {
	table  table.Model
	all    []models.Server
	shown  []models.Server
	width  int
	height int

	filterName string

	// selected is the server picked with enter when quick-connect is off.
	selected string

	probes        map[string]*servers.ProbeResult
	probingSingle bool
	probingBatch  bool
	batchProgress progress.Model
	batchCurrent  int
	batchTotal    int
}

func serverColumns(w int) []table.Column {
	if w > 100 {
		return []table.Column{
			{Title: "Hostname", Width: w/4 - 2},
			{Title: "City", Width: w / 5},
			{Title: "Country", Width: w / 5},
			{Title: "Provider", Width: 14},
			{Title: "Latency", Width: 10},
		}
	}
	return []table.Column{
		{Title: "Hostname", Width: 20},
		{Title: "City", Width: 16},
		{Title: "Country", Width: 16},
		{Title: "Provider", Width: 14},
		{Title: "Latency", Width: 10},
	}
}

func newServersModel() serversModel {
	t := table.New(
		table.WithColumns(serverColumns(0)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(colorBrand)
	s.Selected = s.Selected.
		Foreground(colorFg).
		Background(colorRowBg).
		Bold(true)
	t.SetStyles(s)

	return serversModel{
		table:         t,
		probes:        make(map[string]*servers.ProbeResult),
		batchProgress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

func (sm *serversModel) setSize(w, h int) {
	sm.width = w
	sm.height = h
	sm.adjustTableHeight()
	sm.table.SetColumns(serverColumns(w))
	sm.batchProgress.Width = w - 4
}

// adjustTableHeight subtracts the lines rendered around the table.
func (sm *serversModel) adjustTableHeight() {
	overhead := 1 // selection line
	if sm.filterName != "" {
		overhead++
	}
	if sm.probingSingle || sm.probingBatch {
		overhead++
	}
	sm.table.SetHeight(max(sm.height-overhead, 1))
}

func (sm *serversModel) setServers(list []models.Server) {
	sm.all = activeServers(list)
	if sm.filterName == "" {
		sm.show(sm.all)
	}
}

func (sm *serversModel) setFilter(name string, list []models.Server) {
	sm.filterName = name
	sm.adjustTableHeight()
	sm.show(list)
	sm.table.GotoTop()
}

func (sm *serversModel) clearFilter() {
	sm.filterName = ""
	sm.adjustTableHeight()
	sm.show(sm.all)
	sm.table.GotoTop()
}

func (sm *serversModel) show(list []models.Server) {
	sm.shown = list
	sm.refreshRows()
}

func (sm *serversModel) refreshRows() {
	rows := make([]table.Row, len(sm.shown))
	for i, s := range sm.shown {
		name := s.Hostname
		if name == sm.selected {
			name = "* " + name
		}
		rows[i] = table.Row{
			truncate(name, 30),
			s.CityName,
			s.CountryName,
			s.Provider,
			sm.latencyCell(s.Hostname),
		}
	}
	sm.table.SetRows(rows)
}

func (sm *serversModel) latencyCell(hostname string) string {
	r, ok := sm.probes[hostname]
	switch {
	case !ok:
		return "-"
	case r.OK():
		return fmt.Sprintf("%dms", r.Latency.Milliseconds())
	default:
		return "fail"
	}
}

func (sm *serversModel) cursorServer() *models.Server {
	idx := sm.table.Cursor()
	if idx >= 0 && idx < len(sm.shown) {
		return &sm.shown[idx]
	}
	return nil
}

// connectTarget is the picked server, or the one under the cursor.
func (sm *serversModel) connectTarget() *models.Server {
	if sm.selected != "" {
		for i := range sm.all {
			if sm.all[i].Hostname == sm.selected {
				return &sm.all[i]
			}
		}
	}
	return sm.cursorServer()
}

func (sm *serversModel) recordProbe(r *servers.ProbeResult) {
	sm.probes[r.Server.Hostname] = r
	sm.refreshRows()
}

func (sm *serversModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, keys.Enter):
			s := sm.cursorServer()
			if s == nil {
				return nil
			}
			if root.quickConnect {
				return root.connect(*s)
			}
			sm.selected = s.Hostname
			sm.refreshRows()
			return nil

		case key.Matches(msg, keys.Connect):
			if s := sm.connectTarget(); s != nil {
				return root.connect(*s)
			}

		case key.Matches(msg, keys.ProbeOne):
			s := sm.cursorServer()
			if s != nil && !sm.probingSingle && !sm.probingBatch {
				sm.probingSingle = true
				sm.adjustTableHeight()
				return probeOne(root.prober, *s)
			}

		case key.Matches(msg, keys.ProbeAll):
			if len(sm.shown) > 0 && !sm.probingBatch && !sm.probingSingle {
				sm.probingBatch = true
				sm.batchCurrent = 0
				sm.batchTotal = len(sm.shown)
				sm.adjustTableHeight()
				return probeAll(root.prober, sm.shown, root.program)
			}

		case key.Matches(msg, keys.Back):
			if sm.filterName != "" {
				sm.clearFilter()
				return nil
			}
		}
	}

	var cmd tea.Cmd
	sm.table, cmd = sm.table.Update(msg)
	return cmd
}

func (sm *serversModel) View(s spinner.Model) string {
	var b strings.Builder

	if sm.filterName != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("Showing: %s (esc to clear)", sm.filterName)))
		b.WriteString("\n")
	}

	if sm.probingSingle {
		b.WriteString(s.View() + " Probing...\n")
	} else if sm.probingBatch {
		pct := 0.0
		if sm.batchTotal > 0 {
			pct = float64(sm.batchCurrent) / float64(sm.batchTotal)
		}
		b.WriteString(fmt.Sprintf("%s Probing %d/%d ", s.View(), sm.batchCurrent, sm.batchTotal))
		b.WriteString(sm.batchProgress.ViewAs(pct))
		b.WriteString("\n")
	}

	b.WriteString(sm.table.View())
	b.WriteString("\n")
	b.WriteString(sm.selectionLine())

	return forceHeight(b.String(), sm.width, sm.height)
}

func (sm *serversModel) selectionLine() string {
	s := sm.cursorServer()
	if s == nil {
		return dimStyle.Render("No servers")
	}
	line := fmt.Sprintf("%s  socks5://%s", s.Hostname, servers.Address(*s))
	if r, ok := sm.probes[s.Hostname]; ok && r.OK() {
		line += "  " + latencyStyle(r.Latency).Render(fmt.Sprintf("%dms", r.Latency.Milliseconds()))
	}
	if sm.selected != "" {
		line += dimStyle.Render("  (c to connect " + sm.selected + ")")
	}
	return line
}

// activeServers keeps the active servers ordered by country then id.
func activeServers(list []models.Server) []models.Server {
	var out []models.Server
	for _, item := range countryItems(list, nil) {
		out = append(out, item.(countryItem).servers...)
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "~"
}
