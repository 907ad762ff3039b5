package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"mullproxy/internal/core/types"
)

const gnomeProxySchema = "org.gnome.system.proxy"

// gnomeEnable sets the GNOME proxy mode to manual with only a SOCKS host.
func gnomeEnable(cfg *types.ProxyConfig) [][]string {
	return [][]string{
		{"gsettings", "set", gnomeProxySchema, "mode", "manual"},
		{"gsettings", "set", gnomeProxySchema + ".socks", "host", cfg.Host},
		{"gsettings", "set", gnomeProxySchema + ".socks", "port", strconv.Itoa(cfg.Port)},
		{"gsettings", "set", gnomeProxySchema + ".http", "host", ""},
		{"gsettings", "set", gnomeProxySchema + ".https", "host", ""},
	}
}

func gnomeDisable() [][]string {
	return [][]string{
		{"gsettings", "set", gnomeProxySchema, "mode", "none"},
	}
}

func networksetupEnable(services []string, cfg *types.ProxyConfig) [][]string {
	var cmds [][]string
	for _, svc := range services {
		cmds = append(cmds,
			[]string{"networksetup", "-setsocksfirewallproxy", svc, cfg.Host, strconv.Itoa(cfg.Port)},
			[]string{"networksetup", "-setsocksfirewallproxystate", svc, "on"},
		)
	}
	return cmds
}

func networksetupDisable(services []string) [][]string {
	var cmds [][]string
	for _, svc := range services {
		cmds = append(cmds, []string{"networksetup", "-setsocksfirewallproxystate", svc, "off"})
	}
	return cmds
}

// networkServices returns every enabled macOS network service.
func networkServices(ctx context.Context, run Runner) ([]string, error) {
	out, err := run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return nil, fmt.Errorf("failed to detect network services: %w", err)
	}
	return parseNetworkServices(string(out))
}

func parseNetworkServices(out string) ([]string, error) {
	var services []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		// header line and disabled services (marked with *)
		if line == "" || strings.HasPrefix(line, "An asterisk") || strings.HasPrefix(line, "*") {
			continue
		}
		services = append(services, line)
	}

	if len(services) == 0 {
		return nil, fmt.Errorf("no active network services found")
	}
	return services, nil
}
