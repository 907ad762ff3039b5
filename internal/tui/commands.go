package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"mullproxy/internal/servers"
	"mullproxy/internal/storage/models"
)

// waitForState blocks until the background pushes the next update.
func waitForState(bg Background) tea.Cmd {
	return func() tea.Msg {
		state, err := bg.Next(context.Background())
		if err != nil {
			return backgroundLostMsg{err: err}
		}
		return stateMsg{state: state}
	}
}

// loadServers reads the relay list and the recent servers.
func loadServers(catalog Catalog, recent RecentList, force bool) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		list, err := catalog.List(ctx, force)
		if err != nil {
			return serversLoadedMsg{err: err}
		}
		rec, _ := recent.List(ctx)
		return serversLoadedMsg{servers: list, recent: rec}
	}
}

func loadOptions(store OptionStore) tea.Cmd {
	return func() tea.Msg {
		opts, err := store.GetAll(context.Background())
		return optionsLoadedMsg{opts: opts, err: err}
	}
}

// loadDetails looks up the connection details. With push set they are also
// handed to the background so the badge follows.
func loadDetails(api DetailsSource, bg Background, push bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		details, err := api.Details(ctx)
		if err != nil {
			return detailsLoadedMsg{err: err}
		}
		if push {
			if err := bg.UpdateDetails(ctx, details); err != nil {
				return detailsLoadedMsg{details: details, err: err}
			}
		}
		return detailsLoadedMsg{details: details, pushed: push}
	}
}

// connectTo fetches fresh details and asks the background to connect.
func connectTo(api DetailsSource, bg Background, host string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		details, err := api.Details(ctx)
		if err != nil {
			return connectSentMsg{host: host, err: err}
		}
		return connectSentMsg{host: host, err: bg.Connect(ctx, host, details)}
	}
}

func disconnect(bg Background) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return disconnectSentMsg{err: bg.Disconnect(ctx)}
	}
}

func probeOne(prober *servers.Prober, server models.Server) tea.Cmd {
	return func() tea.Msg {
		return singleProbeDoneMsg{result: prober.ProbeOne(context.Background(), server)}
	}
}

// probeAll probes servers with progress reporting via program.Send.
func probeAll(prober *servers.Prober, list []models.Server, p *tea.Program) tea.Cmd {
	return func() tea.Msg {
		progress := func(result *servers.ProbeResult, current, total int) {
			if p != nil {
				p.Send(probeProgressMsg{result: result, current: current, total: total})
			}
		}
		return probeDoneMsg{batch: prober.Probe(context.Background(), list, progress)}
	}
}

func saveOption(store OptionStore, name string, value any) tea.Cmd {
	return func() tea.Msg {
		return optionSavedMsg{name: name, err: store.Set(context.Background(), name, value)}
	}
}

// clearNotification returns a command that fires after a delay.
func clearNotification(d time.Duration, version int) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return clearNotificationMsg{version: version}
	})
}
