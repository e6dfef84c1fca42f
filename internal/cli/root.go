package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Schema  string // schema file (.yaml, .yml or .cue)
	Config  string // storage config file (.yaml)
	Dialect string // overrides the config file
	DSN     string // overrides the config file
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tangle CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tangle",
		Short: "tangle - object graphs over SQL",
		Long: `Inspect and manage a tangle object store.

Classes come from a schema file; the database from a config file or the
--dialect and --dsn flags.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Schema, "schema", "s", "", "schema file (.yaml or .cue)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "storage config file")
	cmd.PersistentFlags().StringVar(&opts.Dialect, "dialect", "", "database dialect (sqlite3|duckdb)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database location")

	cmd.AddCommand(NewClassesCommand(opts))
	cmd.AddCommand(NewDDLCommand(opts))
	cmd.AddCommand(NewDeployCommand(opts))
	cmd.AddCommand(NewRetreatCommand(opts))
	cmd.AddCommand(NewInsertCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSelectCommand(opts))
	cmd.AddCommand(NewCountCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
