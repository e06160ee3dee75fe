package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tagwarden/pkg/workflow"
)

var (
	workflowState    string
	workflowApprover string
	workflowReason   string
	workflowApplyAll bool
)

// workflowsCmd groups the remediation workflow commands
var workflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"wf"},
	Short:   "Review and apply remediation workflows",
	Long: `Remediation workflows carry the tag changes proposed for a
non-compliant resource. A workflow is applied only after approval:

  pending_approval -> approved -> applying -> applied
  pending_approval -> rejected
  applying -> failed -> approved | rejected`,
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app, p *printer) error {
		state := workflow.State(workflowState)
		if state != "" && !state.Valid() {
			return fmt.Errorf("invalid state: %s", workflowState)
		}
		wfs, err := a.svc.ListWorkflows(cmd.Context(), state)
		if err != nil {
			return err
		}
		return p.Workflows(wfs)
	}),
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show WORKFLOW_ID",
	Short: "Show one workflow with its history",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app, p *printer) error {
		wf, err := a.svc.GetWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.Workflow(wf)
	}),
}

var workflowsApproveCmd = &cobra.Command{
	Use:   "approve WORKFLOW_ID",
	Short: "Approve a pending or failed workflow",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app, p *printer) error {
		wf, err := a.svc.ApproveWorkflow(cmd.Context(), args[0], workflowApprover)
		if err != nil {
			return err
		}
		return p.Workflow(wf)
	}),
}

var workflowsRejectCmd = &cobra.Command{
	Use:   "reject WORKFLOW_ID",
	Short: "Reject a pending or failed workflow",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app, p *printer) error {
		wf, err := a.svc.RejectWorkflow(cmd.Context(), args[0], workflowApprover, workflowReason)
		if err != nil {
			return err
		}
		return p.Workflow(wf)
	}),
}

var workflowsApplyCmd = &cobra.Command{
	Use:   "apply [WORKFLOW_ID]",
	Short: "Apply an approved workflow, or every approved workflow with --all",
	Example: `  tagwarden workflows apply 7d3f...   # Apply one workflow
  tagwarden workflows apply --all     # Apply everything approved`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(runWorkflowsApply),
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
	workflowsCmd.AddCommand(workflowsListCmd, workflowsShowCmd, workflowsApproveCmd, workflowsRejectCmd, workflowsApplyCmd)

	workflowsListCmd.Flags().StringVarP(&workflowState, "state", "s", "", "Only workflows in this state")

	for _, c := range []*cobra.Command{workflowsApproveCmd, workflowsRejectCmd} {
		c.Flags().StringVar(&workflowApprover, "approver", "", "Who is deciding (required)")
		_ = c.MarkFlagRequired("approver")
	}
	workflowsRejectCmd.Flags().StringVar(&workflowReason, "reason", "", "Why the workflow is rejected")

	workflowsApplyCmd.Flags().BoolVar(&workflowApplyAll, "all", false, "Apply every approved workflow")
}

func runWorkflowsApply(cmd *cobra.Command, args []string, a *app, p *printer) error {
	ctx := cmd.Context()

	if workflowApplyAll {
		if len(args) > 0 {
			return errors.New("--all takes no workflow id")
		}
		applied, failed, err := a.svc.ApplyApproved(ctx)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Applied %d workflows, %d failed\n", applied, failed)
		return err
	}
	if len(args) == 0 {
		return errors.New("workflow id required (or --all)")
	}

	wf, err := a.svc.ApplyWorkflow(ctx, args[0])
	if err != nil {
		return err
	}
	if perr := p.Workflow(wf); perr != nil {
		return perr
	}
	if wf.State == workflow.StateFailed {
		return fmt.Errorf("workflow %s failed: %s", wf.ID, wf.LastError)
	}
	return nil
}
