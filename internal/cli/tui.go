package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mullproxy/internal/app"
	"mullproxy/internal/popup"
	"mullproxy/internal/servers"
	"mullproxy/internal/tui"
)

var popupCmd = &cobra.Command{
	Use:     "popup",
	Aliases: []string{"tui"},
	Short:   "Open the interactive popup",
	Long:    `Launch the full-screen popup: browse relays, connect, and change options.`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := popup.Dial(ctx, addr)
		cancel()
		if err != nil {
			return fmt.Errorf("%w (is 'mullproxy serve' running?)", err)
		}
		defer client.Close()

		p := tui.NewProgram(tui.Deps{
			Background: client,
			API:        appInstance.API,
			Catalog:    appInstance.Catalog,
			Recent:     appInstance.Recent,
			Options:    appInstance.Options,
			Prober:     servers.NewProber(servers.ProberConfig{}),
		})
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

func init() {
	popupCmd.Flags().String("addr", app.DefaultListen, "address of the background process")
	rootCmd.AddCommand(popupCmd)
}
