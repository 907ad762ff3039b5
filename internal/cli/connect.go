package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mullproxy/internal/app"
	"mullproxy/internal/core/types"
	"mullproxy/internal/popup"
	"mullproxy/internal/storage/models"
)

var connectCmd = &cobra.Command{
	Use:   "connect [server]",
	Short: "Connect the browser proxy to a relay",
	Long: `Ask the background process to route browser traffic through a relay's
SOCKS5 proxy. The server may be a relay hostname (se5-wireguard), its SOCKS
name, or an IP address. Without an argument the relay you are tunnelled to
is used.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeServerNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var host string
		if len(args) > 0 {
			host = resolveSocksHost(ctx, args[0])
		}

		details, err := appInstance.API.Details(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch connection details: %w", err)
		}
		if !details.MullvadExitIP {
			fmt.Println("Warning: this machine is not connected through Mullvad.")
		}

		client, err := dialBackground(ctx, cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if _, err := client.Next(ctx); err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}

		if host != "" {
			fmt.Printf("Connecting to %s...\n", types.FullSocksHost(host))
		} else {
			fmt.Println("Connecting to the default relay...")
		}
		if err := client.Connect(ctx, host, details); err != nil {
			return fmt.Errorf("failed to send connect: %w", err)
		}

		state, err := awaitConnectOutcome(ctx, client)
		if err != nil {
			return err
		}
		if !state.IsConnected {
			return fmt.Errorf("not connected, see the background log for details")
		}

		fmt.Printf("Connected: socks5://%s:%d\n", state.Host, types.SOCKSPort)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Remove the browser proxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		client, err := dialBackground(ctx, cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if _, err := client.Next(ctx); err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if err := client.Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to send disconnect: %w", err)
		}
		for {
			state, err := client.Next(ctx)
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}
			if !state.IsConnected && !state.IsConnecting {
				break
			}
		}

		fmt.Println("Disconnected.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		client, err := dialBackground(ctx, cmd)
		if err != nil {
			fmt.Println("Status:     ○ Background not running")
			return nil
		}
		defer client.Close()

		state, err := client.Next(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}

		fmt.Println("Connection Status")
		fmt.Println("═════════════════")
		fmt.Println()
		fmt.Printf("Status:     %s\n", describeState(state))
		if state.Host != "" {
			fmt.Printf("Proxy:      socks5://%s:%d\n", state.Host, types.SOCKSPort)
			if s, err := appInstance.Catalog.Lookup(ctx, state.Host); err == nil {
				fmt.Printf("Server:     %s (%s, %s)\n", s.Hostname, s.CityName, s.CountryName)
			}
		}

		if showDetails, _ := cmd.Flags().GetBool("details"); showDetails {
			details, err := appInstance.API.Details(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch connection details: %w", err)
			}
			printDetails(details)
		}
		return nil
	},
}

func dialBackground(ctx context.Context, cmd *cobra.Command) (*popup.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	client, err := popup.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w (is 'mullproxy serve' running?)", err)
	}
	return client, nil
}

// awaitConnectOutcome reads updates until the attempt started by a connect
// command is no longer in flight.
func awaitConnectOutcome(ctx context.Context, client *popup.Client) (popup.State, error) {
	seenConnecting := false
	for {
		state, err := client.Next(ctx)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return state, fmt.Errorf("timed out waiting for verification")
		}
		if err != nil {
			return state, fmt.Errorf("failed to read state: %w", err)
		}
		if state.IsConnecting {
			seenConnecting = true
			continue
		}
		if seenConnecting {
			return state, nil
		}
	}
}

// resolveSocksHost maps a relay hostname to its SOCKS name using the cached
// server list. Unknown names are passed through.
func resolveSocksHost(ctx context.Context, name string) string {
	s, err := appInstance.Catalog.Lookup(ctx, name)
	if err != nil || s.SocksName == "" {
		return name
	}
	return s.SocksName
}

func describeState(state popup.State) string {
	switch {
	case state.IsConnecting:
		return "◌ Connecting"
	case state.IsConnected:
		return "● Connected"
	default:
		return "○ Not connected"
	}
}

func printDetails(d *models.ConnectionDetails) {
	fmt.Println()
	fmt.Printf("Public IP:  %s\n", d.IP)
	fmt.Printf("Location:   %s, %s\n", d.City, d.Country)
	if d.MullvadExitIP {
		fmt.Printf("Exit:       %s (%s)\n", d.MullvadExitIPHostname, d.MullvadServerType)
	} else {
		fmt.Println("Exit:       not a Mullvad exit")
	}
	if d.Blacklisted != nil && d.Blacklisted.Blacklisted {
		fmt.Println("Warning:    the public IP is blacklisted")
	}
}

func init() {
	for _, cmd := range []*cobra.Command{connectCmd, disconnectCmd, statusCmd} {
		cmd.Flags().String("addr", app.DefaultListen, "address of the background process")
		cmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the background")
	}
	statusCmd.Flags().Bool("details", false, "also look up the public IP and exit relay")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(statusCmd)
}
