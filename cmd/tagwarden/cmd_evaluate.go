package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evaluateApply bool

// evaluateCmd represents the evaluate command
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate stored resources against the active policies",
	Long: `Evaluate runs one compliance pass over every live resource in the
inventory, stores a compliance record per resource and opens a remediation
workflow for each resource with auto-remediable violations.`,
	Example: `  tagwarden evaluate           # Evaluate and print the summary
  tagwarden evaluate --apply   # Also apply approved workflows`,
	Args: cobra.NoArgs,
	RunE: withApp(runEvaluate),
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().BoolVar(&evaluateApply, "apply", false, "Apply approved workflows after evaluating")
}

func runEvaluate(cmd *cobra.Command, _ []string, a *app, p *printer) error {
	ctx := cmd.Context()

	sum, err := a.svc.EvaluateCompliance(ctx)
	if err != nil {
		return fmt.Errorf("evaluate compliance: %w", err)
	}
	if err := p.Summary(sum); err != nil {
		return err
	}

	if !evaluateApply {
		return nil
	}
	applied, failed, err := a.svc.ApplyApproved(ctx)
	if !p.json {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Applied %d workflows, %d failed\n", applied, failed)
	}
	return err
}
