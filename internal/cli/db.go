package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/tangle/internal/deploy"
)

// DeployResult reports what deploy or retreat touched.
type DeployResult struct {
	Dialect    string `json:"dialect"`
	Statements int    `json:"statements"`
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Create the tables of a schema",
		Long: `Create every table the schema maps onto. Existing tables are kept, so
deploying twice is safe.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			st, err := rootOpts.connect(cmd.Context(), cmd, false)
			if err != nil {
				return formatter.Fail("failed to connect", err)
			}
			defer st.Disconnect()

			if err := st.Deploy(cmd.Context()); err != nil {
				return formatter.Fail("deploy failed", err)
			}
			d, err := rootOpts.dialect()
			if err != nil {
				return formatter.Fail("failed to resolve dialect", err)
			}
			dialect := st.Capabilities().Dialect
			result := DeployResult{Dialect: dialect, Statements: len(deploy.Statements(st.Registry(), d))}
			formatter.VerboseLog("deployed %d statement(s)", result.Statements)
			return formatter.Success(result, "✓ Deployed schema ("+dialect+")\n")
		},
	}
}

// NewRetreatCommand creates the retreat command.
func NewRetreatCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "retreat",
		Short: "Drop the tables of a schema",
		Long: `Drop every table the schema maps onto, deleting all stored objects.
Requires --force.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			if !force {
				return formatter.Fail("refusing to retreat", NewExitError(ExitCommandError, "--force is required"))
			}
			st, err := rootOpts.connect(cmd.Context(), cmd, false)
			if err != nil {
				return formatter.Fail("failed to connect", err)
			}
			defer st.Disconnect()

			if err := st.Retreat(cmd.Context()); err != nil {
				return formatter.Fail("retreat failed", err)
			}
			dialect := st.Capabilities().Dialect
			result := DeployResult{Dialect: dialect, Statements: len(deploy.RetreatStatements(st.Registry()))}
			return formatter.Success(result, "✓ Dropped schema tables ("+dialect+")\n")
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm dropping all tables")

	return cmd
}
