package models

import "strings"

// VPN transport types reported by the connection details endpoint
const (
	ServerTypeWireGuard = "wireguard"
	ServerTypeOpenVPN   = "openvpn"
)

// ConnectionDetails is the result of a connection-details lookup
type ConnectionDetails struct {
	IP           string  `json:"ip"`
	Country      string  `json:"country"`
	City         string  `json:"city"`
	Longitude    float64 `json:"longitude,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Organization string  `json:"organization,omitempty"`

	Blacklisted *Blacklist `json:"blacklisted,omitempty"`

	MullvadExitIP         bool   `json:"mullvad_exit_ip"`
	MullvadExitIPHostname string `json:"mullvad_exit_ip_hostname,omitempty"`
	MullvadServerType     string `json:"mullvad_server_type,omitempty"`

	// Not part of every response; the popup fills it from the server list.
	CountryCode string `json:"country_code,omitempty"`
}

// Blacklist describes blacklist checks on the public IP
type Blacklist struct {
	Blacklisted bool              `json:"blacklisted"`
	Results     []BlacklistResult `json:"results,omitempty"`
}

// BlacklistResult is a single blacklist provider result
type BlacklistResult struct {
	Name        string `json:"name"`
	Link        string `json:"link"`
	Blacklisted bool   `json:"blacklisted"`
}

// Normalize lowercases the server type so comparisons are stable.
func (d *ConnectionDetails) Normalize() {
	d.MullvadServerType = strings.ToLower(strings.TrimSpace(d.MullvadServerType))
}

// BadgeCode returns the uppercased country code shown on the badge. When the
// response carries no code, the prefix of the exit hostname is used instead.
func (d *ConnectionDetails) BadgeCode() string {
	if d == nil {
		return ""
	}
	code := d.CountryCode
	if code == "" && d.MullvadExitIPHostname != "" {
		code, _, _ = strings.Cut(d.MullvadExitIPHostname, "-")
		if len(code) > 2 {
			code = code[:2]
		}
	}
	return strings.ToUpper(code)
}

// PortDetails is the result of a port reachability lookup
type PortDetails struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
}
