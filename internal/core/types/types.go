package types

import (
	"fmt"
	"regexp"
	"strings"
)

// SOCKS listener of every relay and the default addresses of the relay the
// client is tunnelled to.
const (
	SOCKSPort             = 1080
	DefaultSOCKSOpenVPN   = "10.8.0.1"
	DefaultSOCKSWireGuard = "10.64.0.1"
	HostSuffix            = ".mullvad.net"
)

// ProxyKind is the proxy protocol of a ProxyConfig
type ProxyKind string

const (
	ProxyKindSOCKS5 ProxyKind = "socks5"
)

// ProxyConfig is the single proxy configuration owned by the controller
type ProxyConfig struct {
	Kind     ProxyKind
	Host     string
	Port     int
	ProxyDNS bool
}

// Address returns host:port.
func (c *ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL returns the proxy rule in URL form, e.g. socks5://host:1080.
func (c *ProxyConfig) URL() string {
	return fmt.Sprintf("%s://%s", c.Kind, c.Address())
}

// ConnectionState is the state of the controller
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateActive     ConnectionState = "active"
)

// Snapshot is the externally visible controller state
type Snapshot struct {
	State ConnectionState
	Host  string
}

// IsConnected reports whether the proxy is verified and active.
func (s Snapshot) IsConnected() bool { return s.State == StateActive }

// IsConnecting reports whether a connect attempt is in flight.
func (s Snapshot) IsConnecting() bool { return s.State == StateConnecting }

// Icon is the toolbar icon state
type Icon string

const (
	IconLocked   Icon = "locked"
	IconUnlocked Icon = "unlocked"
)

// Engine selects the proxy registration mechanism
type Engine string

const (
	EngineFirefox  Engine = "firefox"  // per-request interception
	EngineChromium Engine = "chromium" // declarative fixed-server settings
)

// DetectEngine maps a browser or engine name to an Engine. Only Firefox
// (Gecko) supports per-request interception; everything else is treated as
// Chromium.
func DetectEngine(name string) Engine {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "firefox", "gecko":
		return EngineFirefox
	default:
		return EngineChromium
	}
}

// Intercepts reports whether the engine uses per-request interception.
func (e Engine) Intercepts() bool {
	return e == EngineFirefox
}

var ipLiteral = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// IsIPLiteral reports whether host is a dotted-decimal IPv4 literal.
func IsIPLiteral(host string) bool {
	return ipLiteral.MatchString(host)
}

// FullSocksHost expands a short server name into a fully-qualified host. IP
// literals and already-qualified names are returned unchanged.
func FullSocksHost(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || IsIPLiteral(name) || strings.HasSuffix(name, HostSuffix) {
		return name
	}
	return name + HostSuffix
}

// DefaultSOCKSHost returns the relay-local SOCKS address for a VPN transport.
func DefaultSOCKSHost(serverType string) string {
	if strings.EqualFold(serverType, "wireguard") {
		return DefaultSOCKSWireGuard
	}
	return DefaultSOCKSOpenVPN
}
