package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	scanProvider string
	scanNoWait   bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan cloud resources into the inventory",
	Long: `Scan lists every configured resource type in every region of the
selected providers and upserts what it finds. A complete pass marks
resources that were not seen as stale; interrupted passes never do.`,
	Example: `  tagwarden scan                    # Scan all configured providers
  tagwarden scan --provider azure   # Scan one provider
  tagwarden scan -o json            # Print the run as JSON`,
	Args: cobra.NoArgs,
	RunE: withApp(runScan),
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanProvider, "provider", "p", "", "Scan only this provider (aws, azure, gcp)")
	scanCmd.Flags().BoolVar(&scanNoWait, "no-wait", false, "Print the run id and return without waiting")
}

func runScan(cmd *cobra.Command, _ []string, a *app, p *printer) error {
	ctx := cmd.Context()

	runID, err := a.svc.TriggerScan(ctx, scanProvider)
	if err != nil {
		return fmt.Errorf("trigger scan: %w", err)
	}
	if scanNoWait {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), runID)
		return nil
	}

	run, err := a.svc.WaitScan(ctx, runID)
	if errors.Is(err, context.Canceled) {
		// Interrupted: stop the run and wait for its partial record.
		_ = a.svc.CancelScan(runID)
		run, err = a.svc.WaitScan(context.WithoutCancel(ctx), runID)
	}
	if err != nil {
		return fmt.Errorf("wait for scan %s: %w", runID, err)
	}
	return p.Run(run)
}
