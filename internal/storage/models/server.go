package models

import (
	"strconv"
	"strings"
)

// Server represents a relay entry from the Mullvad server list
type Server struct {
	Hostname     string `json:"hostname"`
	CountryCode  string `json:"country_code"`
	CountryName  string `json:"country_name"`
	CityCode     string `json:"city_code"`
	CityName     string `json:"city_name"`
	Active       bool   `json:"active"`
	Owned        bool   `json:"owned"`
	Provider     string `json:"provider,omitempty"`
	IPv4AddrIn   string `json:"ipv4_addr_in,omitempty"`
	IPv6AddrIn   string `json:"ipv6_addr_in,omitempty"`
	PublicKey    string `json:"pubkey,omitempty"`
	MultihopPort int    `json:"multihop_port,omitempty"`
	SocksName    string `json:"socks_name,omitempty"`
}

// ServerID extracts the numeric id from the server hostname, e.g. "se5-wireguard" -> 5.
func (s Server) ServerID() (int, bool) {
	return ServerIDFromHostname(s.Hostname)
}

// ServerIDFromHostname parses the digits between the two-letter country prefix
// and the first dash of a relay hostname.
func ServerIDFromHostname(hostname string) (int, bool) {
	end := strings.Index(hostname, "-")
	if end < 0 {
		end = len(hostname)
	}
	if end <= 2 {
		return 0, false
	}
	id, err := strconv.Atoi(hostname[2:end])
	if err != nil {
		return 0, false
	}
	return id, true
}
