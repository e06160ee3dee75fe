package main

import (
	"github.com/spf13/cobra"
)

var (
	exemptActor  string
	exemptReason string
)

var exemptCmd = &cobra.Command{
	Use:   "exempt RESOURCE_ID",
	Short: "Exempt a resource from tagging policies",
	Long: `Exempt records a standing exemption for a resource. Evaluation passes
leave the resource alone until the exemption is cleared, and its open
remediation workflow is rejected.`,
	Example: `  tagwarden exempt aws:i-0abc --actor alice --reason "legacy host, retiring in Q3"`,
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app, p *printer) error {
		rec, err := a.svc.SetExemption(cmd.Context(), args[0], exemptActor, exemptReason)
		if err != nil {
			return err
		}
		return p.Record(rec)
	}),
}

var unexemptCmd = &cobra.Command{
	Use:   "unexempt RESOURCE_ID",
	Short: "Clear an exemption and re-evaluate the resource",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app, p *printer) error {
		rec, err := a.svc.ClearExemption(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.Record(rec)
	}),
}

func init() {
	rootCmd.AddCommand(exemptCmd, unexemptCmd)

	exemptCmd.Flags().StringVar(&exemptActor, "actor", "", "Who grants the exemption (required)")
	exemptCmd.Flags().StringVar(&exemptReason, "reason", "", "Why the resource is exempt (required)")
	_ = exemptCmd.MarkFlagRequired("actor")
	_ = exemptCmd.MarkFlagRequired("reason")
}
