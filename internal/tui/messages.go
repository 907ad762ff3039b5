package tui

import (
	"mullproxy/internal/options"
	"mullproxy/internal/popup"
	"mullproxy/internal/servers"
	"mullproxy/internal/storage/models"
)

// Background messages.

type stateMsg struct {
	state popup.State
}

type backgroundLostMsg struct {
	err error
}

// Data loading messages.

type serversLoadedMsg struct {
	servers []models.Server
	recent  []models.Server
	err     error
}

type optionsLoadedMsg struct {
	opts options.Options
	err  error
}

type detailsLoadedMsg struct {
	details *models.ConnectionDetails
	pushed  bool
	err     error
}

// Connection command messages.

type connectSentMsg struct {
	host string
	err  error
}

type disconnectSentMsg struct {
	err error
}

// Probe messages.

type probeProgressMsg struct {
	result  *servers.ProbeResult
	current int
	total   int
}

type probeDoneMsg struct {
	batch *servers.BatchResult
}

type singleProbeDoneMsg struct {
	result *servers.ProbeResult
}

// Options update messages.

type optionSavedMsg struct {
	name string
	err  error
}

type clearNotificationMsg struct {
	version int
}
