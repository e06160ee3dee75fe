package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tagwarden/internal/service"
	"github.com/yairfalse/tagwarden/pkg/compliance"
)

var (
	statusList        bool
	statusFilter      string
	resourcesProvider string
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [RESOURCE_ID]",
	Short: "Show compliance status",
	Long: `Without arguments status prints the summary of the last evaluation
pass. With a resource id it prints that resource's compliance record and
violations.`,
	Example: `  tagwarden status                          # Last evaluation summary
  tagwarden status aws:i-0abc               # One resource
  tagwarden status --list --filter exempt   # Every exempt resource`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(runStatus),
}

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List live resources in the inventory",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app, p *printer) error {
		rs, err := a.svc.ListResources(cmd.Context(), resourcesProvider)
		if err != nil {
			return err
		}
		return p.Resources(rs)
	}),
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resourcesCmd)

	statusCmd.Flags().BoolVarP(&statusList, "list", "l", false, "List per-resource records")
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "With --list, only records in this status (compliant, non_compliant, unknown, exempt)")
	resourcesCmd.Flags().StringVarP(&resourcesProvider, "provider", "p", "", "Only resources of this provider")
}

func runStatus(cmd *cobra.Command, args []string, a *app, p *printer) error {
	ctx := cmd.Context()

	if len(args) == 1 {
		rec, err := a.svc.GetResourceCompliance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get compliance of %s: %w", args[0], err)
		}
		return p.Record(rec)
	}

	if statusList {
		recs, err := a.svc.ListCompliance(ctx, compliance.Status(statusFilter))
		if err != nil {
			return err
		}
		return p.Records(recs)
	}

	sum, err := a.svc.GetComplianceStatus(ctx)
	if errors.Is(err, service.ErrNotEvaluated) {
		return fmt.Errorf("%w: run tagwarden evaluate first", err)
	}
	if err != nil {
		return err
	}
	return p.Summary(sum)
}
