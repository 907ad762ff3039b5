package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mullproxy/internal/app"
	"mullproxy/internal/core/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background process",
	Long: `Run the background process that owns the proxy registration.

The popup and the one-shot commands (connect, disconnect, status) talk to it
over a local websocket. Only one background process may run per database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		proxyListen, _ := cmd.Flags().GetString("proxy-listen")
		engineName, _ := cmd.Flags().GetString("engine")
		refresh, _ := cmd.Flags().GetDuration("refresh")

		if !cmd.Flags().Changed("engine") {
			if env := os.Getenv("MULLPROXY_ENGINE"); env != "" {
				engineName = env
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err := appInstance.Serve(ctx, app.DaemonConfig{
			Listen:      listen,
			ProxyListen: proxyListen,
			Engine:      types.DetectEngine(engineName),
			Refresh:     refresh,
			Level:       logLevel,
			BaseLevel:   baseLevel,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().String("listen", app.DefaultListen, "popup websocket listen address")
	serveCmd.Flags().String("proxy-listen", app.DefaultProxyListen, "interception proxy listen address (firefox engine)")
	serveCmd.Flags().String("engine", string(types.EngineFirefox), "browser engine (firefox, chromium)")
	serveCmd.Flags().Duration("refresh", 30*time.Minute, "server list refresh interval")

	serveCmd.RegisterFlagCompletionFunc("engine", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(types.EngineFirefox), string(types.EngineChromium)}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(serveCmd)
}
