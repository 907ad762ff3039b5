package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mullproxy/internal/options"
)

var optionsCmd = &cobra.Command{
	Use:     "options",
	Aliases: []string{"opt"},
	Short:   "Manage persisted options",
	Long: `List and change the options stored in the database. A running
background process picks up changes within a few seconds.`,
}

var optionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all options",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := appInstance.Options.Values(context.Background())
		if err != nil {
			return err
		}

		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)

		defaults := options.Defaults()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVALUE\tDEFAULT")
		fmt.Fprintln(w, "----\t-----\t-------")
		for _, name := range names {
			def := "-"
			if d, ok := defaults[name]; ok {
				def = formatValue(d)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, formatValue(values[name]), def)
		}
		return w.Flush()
	},
}

var optionsGetCmd = &cobra.Command{
	Use:               "get <name>",
	Short:             "Print a single option",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeOptionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := appInstance.Options.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(formatValue(v))
		return nil
	},
}

var optionsSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Change an option",
	Long: `Change an option. Booleans accept true/false/1/0; list options take a
comma separated value, e.g.

  mullproxy options set excludeList "example.com, *.bank.test"`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeOptionNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := options.Parse(args[0], args[1])
		if err != nil {
			return err
		}
		if err := appInstance.Options.Set(context.Background(), args[0], v); err != nil {
			return fmt.Errorf("failed to set %s: %w", args[0], err)
		}
		fmt.Printf("%s = %s\n", args[0], formatValue(v))
		return nil
	},
}

var optionsResetCmd = &cobra.Command{
	Use:   "reset [name...]",
	Short: "Restore options to their defaults",
	Long:  `Restore the named options, or every option when no name is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		defaults := options.Defaults()

		names := args
		if len(names) == 0 {
			for name := range defaults {
				names = append(names, name)
			}
			sort.Strings(names)
		}

		for _, name := range names {
			def, ok := defaults[name]
			if !ok {
				return fmt.Errorf("unknown option: %s", name)
			}
			if err := appInstance.Options.Set(ctx, name, def); err != nil {
				return fmt.Errorf("failed to reset %s: %w", name, err)
			}
		}
		fmt.Printf("Reset %d option(s) to defaults.\n", len(names))
		return nil
	},
}

func formatValue(v any) string {
	switch v := v.(type) {
	case []string:
		return "[" + strings.Join(v, ", ") + "]"
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string, bool:
		return fmt.Sprint(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

func init() {
	optionsCmd.AddCommand(optionsListCmd)
	optionsCmd.AddCommand(optionsGetCmd)
	optionsCmd.AddCommand(optionsSetCmd)
	optionsCmd.AddCommand(optionsResetCmd)
	rootCmd.AddCommand(optionsCmd)
}
