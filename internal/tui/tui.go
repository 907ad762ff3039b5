package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mullproxy/internal/options"
	"mullproxy/internal/popup"
	"mullproxy/internal/servers"
	"mullproxy/internal/storage/models"
)

// Tab indices.
const (
	tabCountries = 0
	tabServers   = 1
	tabStatus    = 2
	tabSettings  = 3
	tabCount     = 4
)

// Background is the popup's connection to the background process.
type Background interface {
	Connect(ctx context.Context, host string, details *models.ConnectionDetails) error
	Disconnect(ctx context.Context) error
	UpdateDetails(ctx context.Context, details *models.ConnectionDetails) error
	Next(ctx context.Context) (popup.State, error)
}

// DetailsSource looks up the current connection details.
type DetailsSource interface {
	Details(ctx context.Context) (*models.ConnectionDetails, error)
}

// Catalog lists relays.
type Catalog interface {
	List(ctx context.Context, force bool) ([]models.Server, error)
}

// RecentList lists recently connected relays.
type RecentList interface {
	List(ctx context.Context) ([]models.Server, error)
}

// OptionStore reads and writes persisted options.
type OptionStore interface {
	GetAll(ctx context.Context) (options.Options, error)
	Set(ctx context.Context, name string, value any) error
}

var (
	_ Background  = (*popup.Client)(nil)
	_ Catalog     = (*servers.Catalog)(nil)
	_ RecentList  = (*servers.Recent)(nil)
	_ OptionStore = (*options.Store)(nil)
)

// Deps holds all dependencies injected into the TUI.
type Deps struct {
	Background Background
	API        DetailsSource
	Catalog    Catalog
	Recent     RecentList
	Options    OptionStore
	Prober     *servers.Prober
}

// Model is the root BubbleTea model.
type Model struct {
	bg      Background
	api     DetailsSource
	catalog Catalog
	recent  RecentList
	options OptionStore
	prober  *servers.Prober
	program *tea.Program

	width  int
	height int

	activeTab int
	showHelp  bool

	// Merged background state.
	state        popup.State
	lost         bool
	quickConnect bool
	servers      []models.Server
	loading      bool

	countriesTab countriesModel
	serversTab   serversModel
	statusTab    statusModel
	settingsTab  settingsModel

	notification    string
	notificationErr bool
	notifVersion    int

	spinner spinner.Model
}

// NewModel creates a new root Model.
func NewModel(deps Deps) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	prober := deps.Prober
	if prober == nil {
		prober = servers.NewProber(servers.ProberConfig{})
	}

	return &Model{
		bg:           deps.Background,
		api:          deps.API,
		catalog:      deps.Catalog,
		recent:       deps.Recent,
		options:      deps.Options,
		prober:       prober,
		activeTab:    tabCountries,
		loading:      true,
		spinner:      s,
		countriesTab: newCountriesModel(),
		serversTab:   newServersModel(),
		statusTab:    newStatusModel(),
		settingsTab:  newSettingsModel(),
	}
}

func (m *Model) Init() tea.Cmd {
	m.statusTab.loading = true
	return tea.Batch(
		waitForState(m.bg),
		loadServers(m.catalog, m.recent, false),
		loadOptions(m.options),
		loadDetails(m.api, m.bg, true),
		m.spinner.Tick,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	prevNotifVersion := m.notifVersion

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		ch := m.contentHeight()
		m.countriesTab.setSize(msg.Width, ch)
		m.serversTab.setSize(msg.Width, ch)
		m.statusTab.setSize(msg.Width, ch)
		m.settingsTab.setSize(msg.Width, ch)
		return m, nil

	case tea.KeyMsg:
		if cmd := m.handleGlobalKey(msg); cmd != nil {
			return m, cmd
		}

	// Background.
	case stateMsg:
		cmds = append(cmds, m.applyState(msg.state), waitForState(m.bg))
	case backgroundLostMsg:
		m.lost = true
		m.setNotification(fmt.Sprintf("Lost the background: %v", msg.err), true)

	// Data loading.
	case serversLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Server list: %v", msg.err), true)
		} else {
			m.servers = msg.servers
			m.countriesTab.setServers(msg.servers, msg.recent)
			m.serversTab.setServers(msg.servers)
		}
	case optionsLoadedMsg:
		if msg.err == nil {
			m.settingsTab.setOptions(msg.opts)
			m.quickConnect = msg.opts.EnableQuickConnect
		}
	case detailsLoadedMsg:
		m.statusTab.setDetails(msg)
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Connection details: %v", msg.err), true)
		}

	// Commands.
	case connectSentMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Connect failed: %v", msg.err), true)
		}
	case disconnectSentMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Disconnect failed: %v", msg.err), true)
		}

	// Probing.
	case probeProgressMsg:
		m.serversTab.batchCurrent = msg.current
		m.serversTab.batchTotal = msg.total
		m.serversTab.recordProbe(msg.result)
	case probeDoneMsg:
		m.serversTab.probingBatch = false
		m.serversTab.adjustTableHeight()
		for _, r := range msg.batch.Results {
			m.serversTab.recordProbe(r)
		}
		m.setNotification(fmt.Sprintf("Probed %d: %d ok, %d failed",
			len(msg.batch.Results), msg.batch.Succeeded, msg.batch.Failed), false)
	case singleProbeDoneMsg:
		m.serversTab.probingSingle = false
		m.serversTab.adjustTableHeight()
		m.serversTab.recordProbe(msg.result)
		if msg.result.OK() {
			m.setNotification(fmt.Sprintf("%s: %dms", msg.result.Server.Hostname, msg.result.Latency.Milliseconds()), false)
		} else {
			m.setNotification(fmt.Sprintf("%s: unreachable", msg.result.Server.Hostname), true)
		}

	// Options.
	case optionSavedMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Save failed: %v", msg.err), true)
		} else {
			m.setNotification(fmt.Sprintf("Saved %s", msg.name), false)
			cmds = append(cmds, loadOptions(m.options))
		}

	case clearNotificationMsg:
		if msg.version == m.notifVersion {
			m.notification = ""
			m.notificationErr = false
		}
	}

	if m.busy() {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.notifVersion > prevNotifVersion && m.notification != "" {
		cmds = append(cmds, clearNotification(4*time.Second, m.notifVersion))
	}

	// Delegate to active tab.
	switch m.activeTab {
	case tabCountries:
		cmds = append(cmds, m.countriesTab.Update(msg, m))
	case tabServers:
		cmds = append(cmds, m.serversTab.Update(msg, m))
	case tabStatus:
		cmds = append(cmds, m.statusTab.Update(msg, m))
	case tabSettings:
		cmds = append(cmds, m.settingsTab.Update(msg, m))
	}

	return m, tea.Batch(cmds...)
}

// applyState merges a background update and reports finished attempts.
func (m *Model) applyState(next popup.State) tea.Cmd {
	prev := m.state
	m.state = next

	switch {
	case prev.IsConnecting && !next.IsConnecting && next.IsConnected:
		m.setNotification("Connected to "+next.Host, false)
		return loadServers(m.catalog, m.recent, false)
	case prev.IsConnecting && !next.IsConnecting:
		m.setNotification("Could not connect", true)
	case prev.IsConnected && !next.IsConnected && !next.IsConnecting:
		m.setNotification("Disconnected", false)
	}
	return nil
}

func (m *Model) busy() bool {
	return m.loading || m.state.IsConnecting || m.statusTab.loading ||
		m.serversTab.probingSingle || m.serversTab.probingBatch
}

// connect asks the background to connect to s.
func (m *Model) connect(s models.Server) tea.Cmd {
	if m.state.IsConnecting || m.lost {
		return nil
	}
	host := s.SocksName
	if host == "" {
		host = s.Hostname
	}
	m.serversTab.selected = ""
	m.serversTab.refreshRows()
	return connectTo(m.api, m.bg, host)
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := renderHeader(m.activeTab, m.state, m.width)

	var content string
	switch m.activeTab {
	case tabCountries:
		content = m.countriesTab.View(m.spinner, m.loading)
	case tabServers:
		content = m.serversTab.View(m.spinner)
	case tabStatus:
		content = m.statusTab.View(m.state, servers.Find(m.servers, m.state.Host), m.spinner)
	case tabSettings:
		content = m.settingsTab.View()
	}

	var notif string
	if m.notification != "" {
		if m.notificationErr {
			notif = notifErrorStyle.Render("! " + m.notification)
		} else {
			notif = notifSuccessStyle.Render("* " + m.notification)
		}
	}

	footer := renderFooter(renderHelpBar(m.showHelp), m.width)

	parts := []string{header}
	if notif != "" {
		parts = append(parts, notif)
	}
	parts = append(parts, content, footer)
	output := lipgloss.JoinVertical(lipgloss.Left, parts...)

	return forceHeight(output, m.width, m.height)
}

// forceHeight pads or truncates s to exactly height lines of width columns,
// so switching tabs leaves no stale lines behind.
func forceHeight(s string, width, height int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	blank := strings.Repeat(" ", width)
	for len(lines) < height {
		lines = append(lines, blank)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) contentHeight() int {
	overhead := 5
	if m.showHelp {
		overhead += 3
	}
	return max(m.height-overhead, 1)
}

func (m *Model) handleGlobalKey(msg tea.KeyMsg) tea.Cmd {
	if m.activeTab == tabSettings && m.settingsTab.editing {
		return nil
	}
	if m.activeTab == tabCountries && m.countriesTab.list.FilterState() == list.Filtering {
		return nil
	}

	switch {
	case key.Matches(msg, keys.Quit):
		return tea.Quit

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		ch := m.contentHeight()
		m.countriesTab.setSize(m.width, ch)
		m.serversTab.setSize(m.width, ch)
		m.statusTab.setSize(m.width, ch)
		m.settingsTab.setSize(m.width, ch)
		return func() tea.Msg { return nil }

	case key.Matches(msg, keys.TabNext):
		m.activeTab = (m.activeTab + 1) % tabCount
		return func() tea.Msg { return nil }

	case key.Matches(msg, keys.TabPrev):
		m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		return func() tea.Msg { return nil }

	case key.Matches(msg, keys.Disconnect):
		if (m.state.IsConnected || m.state.IsConnecting) && !m.lost {
			return disconnect(m.bg)
		}
		return func() tea.Msg { return nil }

	case key.Matches(msg, keys.Refresh):
		m.loading = true
		return tea.Batch(
			loadServers(m.catalog, m.recent, true),
			loadOptions(m.options),
		)
	}

	return nil
}

func (m *Model) setNotification(text string, isErr bool) {
	m.notification = text
	m.notificationErr = isErr
	m.notifVersion++
}

// NewProgram creates a bubbletea program with alt screen.
func NewProgram(deps Deps) *tea.Program {
	m := NewModel(deps)
	p := tea.NewProgram(m, tea.WithAltScreen())
	m.program = p
	return p
}
