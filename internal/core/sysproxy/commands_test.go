package sysproxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mullproxy/internal/core/types"
)

func relay() *types.ProxyConfig {
	return &types.ProxyConfig{Kind: types.ProxyKindSOCKS5, Host: "se5-wireguard.mullvad.net", Port: types.SOCKSPort}
}

func TestGnomeEnable(t *testing.T) {
	cmds := gnomeEnable(relay())
	require.Equal(t, []string{"gsettings", "set", gnomeProxySchema, "mode", "manual"}, cmds[0])
	require.Contains(t, cmds, []string{"gsettings", "set", gnomeProxySchema + ".socks", "host", "se5-wireguard.mullvad.net"})
	require.Contains(t, cmds, []string{"gsettings", "set", gnomeProxySchema + ".socks", "port", "1080"})
}

func TestNetworksetupCommands(t *testing.T) {
	services := []string{"Wi-Fi", "Thunderbolt Ethernet"}

	enable := networksetupEnable(services, relay())
	require.Len(t, enable, 4)
	require.Equal(t, []string{"networksetup", "-setsocksfirewallproxy", "Wi-Fi", "se5-wireguard.mullvad.net", "1080"}, enable[0])
	require.Equal(t, []string{"networksetup", "-setsocksfirewallproxystate", "Thunderbolt Ethernet", "on"}, enable[3])

	disable := networksetupDisable(services)
	require.Equal(t, [][]string{
		{"networksetup", "-setsocksfirewallproxystate", "Wi-Fi", "off"},
		{"networksetup", "-setsocksfirewallproxystate", "Thunderbolt Ethernet", "off"},
	}, disable)
}

func TestParseNetworkServices(t *testing.T) {
	out := "An asterisk (*) denotes that a network service is disabled.\nWi-Fi\n*Bluetooth PAN\n\nUSB 10/100/1000 LAN\n"

	services, err := parseNetworkServices(out)
	require.NoError(t, err)
	require.Equal(t, []string{"Wi-Fi", "USB 10/100/1000 LAN"}, services)

	_, err = parseNetworkServices("An asterisk (*) denotes that a network service is disabled.\n*Wi-Fi\n")
	require.Error(t, err)
}

func TestSetFixedServerRejectsOtherKinds(t *testing.T) {
	s := New(Options{Runner: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatalf("unexpected command %s %v", name, args)
		return nil, nil
	}})

	err := s.SetFixedServer(context.Background(), &types.ProxyConfig{Kind: "http", Host: "10.8.0.1", Port: 1080})
	require.Error(t, err)
	require.Nil(t, s.Active())
}
