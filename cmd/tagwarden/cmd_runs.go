package main

import (
	"github.com/spf13/cobra"
)

var runsProvider string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List scan runs",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app, p *printer) error {
		runs, err := a.svc.ListScanRuns(cmd.Context(), runsProvider)
		if err != nil {
			return err
		}
		return p.Runs(runs)
	}),
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show one scan run with per-type stats",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app, p *printer) error {
		run, err := a.svc.ScanStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.Run(run)
	}),
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsCmd.Flags().StringVarP(&runsProvider, "provider", "p", "", "Only runs that scanned this provider")
}
