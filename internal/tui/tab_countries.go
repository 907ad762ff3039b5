package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mullproxy/internal/servers"
	"mullproxy/internal/storage/models"
)

// recentCode is the pseudo country code of the recent servers entry.
const recentCode = "*recent"

// countryItem implements list.Item for the countries list.
type countryItem struct {
	code    string
	name    string
	servers []models.Server
}

func (i countryItem) Title() string       { return i.name }
func (i countryItem) FilterValue() string { return i.name + " " + i.code }
func (i countryItem) Description() string {
	if i.code == recentCode {
		return fmt.Sprintf("%d recently connected", len(i.servers))
	}

	cities := make(map[string]struct{})
	for _, s := range i.servers {
		cities[s.CityName] = struct{}{}
	}
	return fmt.Sprintf("%s | %d servers | %d cities", strings.ToUpper(i.code), len(i.servers), len(cities))
}

// countryItemDelegate renders each country item.
type countryItemDelegate struct{}

func (d countryItemDelegate) Height() int                             { return 2 }
func (d countryItemDelegate) Spacing() int                            { return 0 }
func (d countryItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d countryItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	ci, ok := item.(countryItem)
	if !ok {
		return
	}

	title := ci.Title()
	desc := lipgloss.NewStyle().Foreground(colorDimFg).PaddingLeft(2).Render(ci.Description())
	if index == m.Index() {
		title = lipgloss.NewStyle().Bold(true).Foreground(colorBrand).Render("> " + title)
	} else {
		title = lipgloss.NewStyle().Foreground(colorFg).Render("  " + title)
	}

	fmt.Fprintf(w, "%s\n%s", title, desc)
}

// countriesModel manages the countries tab.
type countriesModel struct {
	list   list.Model
	width  int
	height int
}

func newCountriesModel() countriesModel {
	l := list.New(nil, countryItemDelegate{}, 0, 0)
	l.Title = "Countries"
	l.SetShowHelp(false)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle
	l.Styles.FilterPrompt = lipgloss.NewStyle().Foreground(colorBrand)
	l.Styles.FilterCursor = lipgloss.NewStyle().Foreground(colorBrand)

	return countriesModel{list: l}
}

func (cm *countriesModel) setSize(w, h int) {
	cm.width = w
	cm.height = h
	cm.list.SetSize(w, h)
}

func (cm *countriesModel) setServers(list, recent []models.Server) {
	cm.list.SetItems(countryItems(list, recent))
}

// countryItems builds the list entries: the recent servers first when there
// are any, then one entry per country ordered by name.
func countryItems(all, recent []models.Server) []list.Item {
	groups := servers.ByCountry(all)

	countries := make([]countryItem, 0, len(groups))
	for code, group := range groups {
		countries = append(countries, countryItem{code: code, name: group[0].CountryName, servers: group})
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].name < countries[j].name })

	items := make([]list.Item, 0, len(countries)+1)
	if len(recent) > 0 {
		items = append(items, countryItem{code: recentCode, name: "Recent", servers: recent})
	}
	for _, c := range countries {
		items = append(items, c)
	}
	return items
}

func (cm *countriesModel) selected() (countryItem, bool) {
	ci, ok := cm.list.SelectedItem().(countryItem)
	return ci, ok
}

func (cm *countriesModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if msg, ok := msg.(tea.KeyMsg); ok {
		// When filtering, pass all keys to list.
		if cm.list.FilterState() == list.Filtering {
			var cmd tea.Cmd
			cm.list, cmd = cm.list.Update(msg)
			return cmd
		}

		if key.Matches(msg, keys.Enter) {
			if ci, ok := cm.selected(); ok {
				root.activeTab = tabServers
				root.serversTab.setFilter(ci.name, ci.servers)
				return func() tea.Msg { return tea.ClearScreen() }
			}
		}
	}

	var cmd tea.Cmd
	cm.list, cmd = cm.list.Update(msg)
	return cmd
}

func (cm *countriesModel) View(s spinner.Model, loading bool) string {
	if loading && len(cm.list.Items()) == 0 {
		return forceHeight(s.View()+" Loading server list...", cm.width, cm.height)
	}
	return forceHeight(cm.list.View(), cm.width, cm.height)
}
