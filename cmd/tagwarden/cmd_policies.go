package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tagwarden/internal/policyset"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Manage tagging policies",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the active policy snapshot",
	Args:  cobra.NoArgs,
	RunE: withApp(func(_ *cobra.Command, _ []string, a *app, p *printer) error {
		return p.Policies(a.svc.Policies())
	}),
}

var policiesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Validate a policy file and store its policies",
	Long: `Import validates every policy in a YAML file and stores them. Nothing
is stored when any policy is invalid. Stored policies with the same id are
replaced; the new snapshot applies from the next evaluation pass.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app, p *printer) error {
		snap, err := a.svc.ImportPolicies(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.Policies(snap)
	}),
}

var policiesValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a policy file without storing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd.OutOrStdout(), outputFormat)
		if err != nil {
			return err
		}
		policies, err := policyset.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		snap, err := policyset.Build(cmd.Context(), 0, time.Now().UTC(), policies)
		if err != nil {
			return err
		}
		return p.Policies(snap)
	},
}

func init() {
	rootCmd.AddCommand(policiesCmd)
	policiesCmd.AddCommand(policiesListCmd, policiesImportCmd, policiesValidateCmd)
}
