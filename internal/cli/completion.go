package cli

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mullproxy/internal/app"
	"mullproxy/internal/options"
	"mullproxy/internal/servers"
)

// ensureApp lazily initializes appInstance for shell completion.
// Cobra may invoke ValidArgsFunction without running PersistentPreRunE.
func ensureApp(cmd *cobra.Command) error {
	if appInstance != nil {
		return nil
	}
	dbPath, _ := cmd.Flags().GetString("db")
	var err error
	appInstance, err = app.New(app.Config{DBPath: dbPath}, slog.Default())
	return err
}

// completeServerNames completes relay hostnames from the cached server list.
func completeServerNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	if err := ensureApp(cmd); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	list, err := appInstance.Catalog.Cached(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, s := range list {
		if s.Active && strings.HasPrefix(strings.ToLower(s.Hostname), strings.ToLower(toComplete)) {
			completions = append(completions, s.Hostname+"\t"+s.CityName+", "+s.CountryName)
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}

// completeCountryCodes completes country codes for --country flags.
func completeCountryCodes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if err := ensureApp(cmd); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	list, err := appInstance.Catalog.Cached(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for code, group := range servers.ByCountry(list) {
		if strings.HasPrefix(code, strings.ToLower(toComplete)) {
			completions = append(completions, code+"\t"+group[0].CountryName)
		}
	}
	sort.Strings(completions)
	return completions, cobra.ShellCompDirectiveNoFileComp
}

// completeOptionNames completes option names for the first argument.
func completeOptionNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var completions []string
	for name := range options.Defaults() {
		if strings.HasPrefix(strings.ToLower(name), strings.ToLower(toComplete)) {
			completions = append(completions, name)
		}
	}
	sort.Strings(completions)
	return completions, cobra.ShellCompDirectiveNoFileComp
}
