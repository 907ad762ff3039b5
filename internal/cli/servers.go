package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mullproxy/internal/servers"
	"mullproxy/internal/storage/models"
)

var serversCmd = &cobra.Command{
	Use:     "servers",
	Aliases: []string{"srv"},
	Short:   "Browse and probe Mullvad relays",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List relays with a SOCKS5 proxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		refresh, _ := cmd.Flags().GetBool("refresh")
		country, _ := cmd.Flags().GetString("country")

		list, err := appInstance.Catalog.List(ctx, refresh)
		if err != nil {
			return fmt.Errorf("failed to load server list: %w", err)
		}
		filtered := filterServers(list, country)
		if len(filtered) == 0 {
			fmt.Println("No servers found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "HOSTNAME\tSOCKS\tCITY\tCOUNTRY\tOWNED")
		fmt.Fprintln(w, "--------\t-----\t----\t-------\t-----")
		for _, s := range filtered {
			owned := ""
			if s.Owned {
				owned = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Hostname, s.SocksName, s.CityName, s.CountryName, owned)
		}
		w.Flush()

		fmt.Printf("\nTotal: %d servers\n", len(filtered))
		return nil
	},
}

var serversRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recently connected relays",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		recent, err := appInstance.Recent.List(context.Background())
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			fmt.Println("No recent servers.")
			return nil
		}
		for i, s := range recent {
			fmt.Printf("  %d. %-24s %s, %s\n", i+1, s.Hostname, s.CityName, s.CountryName)
		}
		return nil
	},
}

var serversProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure TCP handshake latency to relay SOCKS endpoints",
	Long: `Measure each relay's SOCKS5 endpoint. SOCKS endpoints only answer from
inside the Mullvad tunnel, so run this while connected.

The tcp strategy times the TCP handshake. The socks strategy completes a
SOCKS5 CONNECT through the relay, validating the whole proxy path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		country, _ := cmd.Flags().GetString("country")
		workers, _ := cmd.Flags().GetInt64("workers")
		timeoutMS, _ := cmd.Flags().GetInt64("timeout")
		strategyName, _ := cmd.Flags().GetString("strategy")

		strategy, err := servers.NewStrategy(strategyName)
		if err != nil {
			return err
		}

		list, err := appInstance.Catalog.List(ctx, false)
		if err != nil {
			return fmt.Errorf("failed to load server list: %w", err)
		}
		filtered := filterServers(list, country)
		if len(filtered) == 0 {
			fmt.Println("No servers found.")
			return nil
		}

		prober := servers.NewProber(servers.ProberConfig{
			Workers:  workers,
			Timeout:  time.Duration(timeoutMS) * time.Millisecond,
			Strategy: strategy,
		})

		fmt.Printf("Probing %d servers (%s)...\n\n", len(filtered), strategy.Name())

		progress := func(result *servers.ProbeResult, current, total int) {
			if result.OK() {
				fmt.Printf("  [%d/%d] %-30s %d ms\n", current, total,
					result.Server.Hostname, result.Latency.Milliseconds())
			} else {
				fmt.Printf("  [%d/%d] %-30s FAILED\n", current, total, result.Server.Hostname)
			}
		}

		batch := prober.Probe(ctx, filtered, progress)

		fmt.Printf("\n\nResults (sorted by latency):\n")
		fmt.Println(strings.Repeat("─", 60))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tHOSTNAME\tADDRESS\tLATENCY\tSTATUS")
		fmt.Fprintln(w, "-\t--------\t-------\t-------\t------")
		for i, result := range batch.Results {
			latStr := "N/A"
			statusStr := "FAIL"
			if result.OK() {
				latStr = fmt.Sprintf("%d ms", result.Latency.Milliseconds())
				statusStr = "OK"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				i+1, result.Server.Hostname, servers.Address(result.Server), latStr, statusStr)
		}
		w.Flush()

		fmt.Printf("\nSummary: %d probed, %d succeeded, %d failed (%.1fs)\n",
			len(batch.Results), batch.Succeeded, batch.Failed, batch.Duration.Seconds())
		return nil
	},
}

// filterServers returns the active servers, optionally limited to one
// country code, ordered by country then server id.
func filterServers(list []models.Server, country string) []models.Server {
	groups := servers.ByCountry(list)
	codes := make([]string, 0, len(groups))
	for code := range groups {
		if country == "" || strings.EqualFold(code, country) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	var out []models.Server
	for _, code := range codes {
		out = append(out, groups[code]...)
	}
	return out
}

func init() {
	serversListCmd.Flags().Bool("refresh", false, "ignore the cached list")
	serversListCmd.Flags().StringP("country", "c", "", "only list servers in this country code")

	serversProbeCmd.Flags().StringP("country", "c", "", "only probe servers in this country code")
	serversProbeCmd.Flags().Int64P("workers", "w", 10, "number of concurrent workers")
	serversProbeCmd.Flags().Int64P("timeout", "t", 5000, "per-probe timeout in milliseconds")
	serversProbeCmd.Flags().StringP("strategy", "s", "tcp", "probe strategy (tcp, socks)")
	serversProbeCmd.RegisterFlagCompletionFunc("strategy", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"tcp", "socks"}, cobra.ShellCompDirectiveNoFileComp
	})

	for _, cmd := range []*cobra.Command{serversListCmd, serversProbeCmd} {
		cmd.RegisterFlagCompletionFunc("country", completeCountryCodes)
	}

	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversRecentCmd)
	serversCmd.AddCommand(serversProbeCmd)
	rootCmd.AddCommand(serversCmd)
}
