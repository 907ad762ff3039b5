package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"mullproxy/internal/app"
)

var (
	appInstance *app.App
	version     = "dev"

	logLevel  = new(slog.LevelVar)
	baseLevel slog.Level
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mullproxy",
	Short: "Route browser traffic through a Mullvad relay's SOCKS5 proxy",
	Long: `mullproxy - toggle a Mullvad SOCKS5 proxy for your browser

  Runs a small background process that owns the proxy setting, verifies
  that traffic really leaves through a Mullvad exit, and reports the state
  to a popup UI.

  Quick start:
    mullproxy serve --engine firefox
    mullproxy servers list --country se
    mullproxy connect se5-wireguard
    mullproxy status
    mullproxy popup`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(cmd); err != nil {
			return err
		}

		dbPath, _ := cmd.Flags().GetString("db")
		var err error
		appInstance, err = app.New(app.Config{DBPath: dbPath}, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appInstance != nil {
			return appInstance.Close()
		}
		return nil
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command) error {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(levelName)
	if err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	baseLevel = level
	logLevel.Set(level)

	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))
	return nil
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("invalid log level %q (debug, info, warn, error)", name)
	}
	return level, nil
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "", "database path")

	rootCmd.RegisterFlagCompletionFunc("log-level", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mullproxy %s\n", version)
	},
}
