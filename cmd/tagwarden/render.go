package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
	"github.com/yairfalse/tagwarden/pkg/scan"
	"github.com/yairfalse/tagwarden/pkg/workflow"
)

var outputFormats = []string{"table", "json"}

// printer renders command results as tables or JSON.
type printer struct {
	out  io.Writer
	json bool
}

func newPrinter(out io.Writer, format string) (*printer, error) {
	if !slices.Contains(outputFormats, format) {
		return nil, fmt.Errorf("invalid output format: %s (must be one of: %s)",
			format, strings.Join(outputFormats, ", "))
	}
	return &printer{out: out, json: format == "json"}, nil
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
}

// Summary renders an evaluation summary.
func (p *printer) Summary(sum compliance.Summary) error {
	if p.json {
		return p.encode(sum)
	}

	w := p.table()
	_, _ = fmt.Fprintln(w, "RESOURCES\tCOMPLIANT\tNON-COMPLIANT\tUNKNOWN\tEXEMPT\tRATE")
	_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%.1f%%\n",
		sum.TotalResources, sum.Compliant, sum.NonCompliant, sum.Unknown, sum.Exempt, sum.ComplianceRate)
	if err := w.Flush(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(p.out, "\nEvaluated at %s\n", formatTime(sum.EvaluatedAt))
	if sum.Errors > 0 {
		_, _ = fmt.Fprintf(p.out, "Evaluation errors: %d\n", sum.Errors)
	}
	if sum.WorkflowsOpened > 0 {
		_, _ = fmt.Fprintf(p.out, "Workflows opened: %d\n", sum.WorkflowsOpened)
	}
	return nil
}

// Record renders the compliance record of one resource.
func (p *printer) Record(rec compliance.Record) error {
	if p.json {
		return p.encode(rec)
	}

	w := p.table()
	_, _ = fmt.Fprintf(w, "Resource:\t%s\n", rec.ResourceID)
	_, _ = fmt.Fprintf(w, "Type:\t%s/%s\n", rec.Provider, rec.ResourceType)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	_, _ = fmt.Fprintf(w, "Evaluated:\t%s (policies v%d)\n", formatTime(rec.EvaluatedAt), rec.SnapshotVer)
	if len(rec.PolicyIDs) > 0 {
		_, _ = fmt.Fprintf(w, "Policies:\t%s\n", strings.Join(rec.PolicyIDs, ", "))
	}
	if rec.Reason != "" {
		_, _ = fmt.Fprintf(w, "Reason:\t%s\n", rec.Reason)
	}
	if rec.Exempt() {
		_, _ = fmt.Fprintf(w, "Exempted by:\t%s\n", rec.ExemptedBy)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(rec.Violations) == 0 {
		return nil
	}
	_, _ = fmt.Fprintf(p.out, "\nViolations:\n")
	w = p.table()
	_, _ = fmt.Fprintln(w, "TAG\tREASON\tCURRENT\tSUGGESTED\tPOLICY")
	for _, v := range rec.Violations {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.TagName, v.Reason, orDash(v.CurrentValue), orDash(v.SuggestedValue), v.PolicyID)
	}
	return w.Flush()
}

// Records renders compliance records one per line.
func (p *printer) Records(recs []compliance.Record) error {
	if p.json {
		return p.encode(recs)
	}

	w := p.table()
	_, _ = fmt.Fprintln(w, "RESOURCE\tTYPE\tSTATUS\tVIOLATIONS")
	for _, rec := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\n",
			truncate(rec.ResourceID, 60), rec.Provider, rec.ResourceType, rec.Status, len(rec.Violations))
	}
	return w.Flush()
}

// Resources renders stored resources.
func (p *printer) Resources(rs []resource.Resource) error {
	if p.json {
		return p.encode(rs)
	}

	w := p.table()
	_, _ = fmt.Fprintln(w, "RESOURCE\tTYPE\tREGION\tTAGS\tLAST SCANNED")
	for _, r := range rs {
		_, _ = fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%s\n",
			truncate(r.Key(), 60), r.Provider, r.Type, orDash(r.Region), len(r.Tags), formatTime(r.LastScannedAt))
	}
	return w.Flush()
}

// Run renders one scan run with its per-type stats.
func (p *printer) Run(run scan.Run) error {
	if p.json {
		return p.encode(run)
	}

	succeeded, failed := run.Totals()
	_, _ = fmt.Fprintf(p.out, "Scan %s: %s", run.ID, run.Status)
	if run.Cancelled {
		_, _ = fmt.Fprint(p.out, " (cancelled)")
	}
	_, _ = fmt.Fprintf(p.out, "\nUpserted %d, failed %d, staled %d, purged %d\n\n",
		succeeded, failed, run.Staled, run.Purged)

	w := p.table()
	_, _ = fmt.Fprintln(w, "PROVIDER\tTYPE\tSUCCEEDED\tFAILED\tCOMPLETE")
	for _, s := range run.Stats {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n", s.Provider, s.ResourceType, s.Succeeded, s.Failed, s.Complete)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, s := range run.Stats {
		for _, e := range s.Errors {
			_, _ = fmt.Fprintf(p.out, "  %s/%s: %s\n", s.Provider, s.ResourceType, e)
		}
	}
	return nil
}

// Runs renders scan runs one per line.
func (p *printer) Runs(runs []scan.Run) error {
	if p.json {
		return p.encode(runs)
	}

	w := p.table()
	_, _ = fmt.Fprintln(w, "RUN\tPROVIDERS\tSTATUS\tSTARTED\tDURATION")
	for _, run := range runs {
		duration := "-"
		if run.Finished() {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, strings.Join(run.Providers, ","), run.Status, formatTime(run.StartedAt), duration)
	}
	return w.Flush()
}

// Workflows renders workflows one per line.
func (p *printer) Workflows(wfs []workflow.Workflow) error {
	if p.json {
		return p.encode(wfs)
	}

	w := p.table()
	_, _ = fmt.Fprintln(w, "WORKFLOW\tRESOURCE\tSTATE\tCHANGES\tUPDATED")
	for _, wf := range wfs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			wf.ID, truncate(wf.ResourceID, 60), wf.State, formatChanges(wf.ProposedChanges), formatTime(wf.UpdatedAt))
	}
	return w.Flush()
}

// Workflow renders one workflow with its history.
func (p *printer) Workflow(wf workflow.Workflow) error {
	if p.json {
		return p.encode(wf)
	}

	w := p.table()
	_, _ = fmt.Fprintf(w, "Workflow:\t%s\n", wf.ID)
	_, _ = fmt.Fprintf(w, "Resource:\t%s\n", wf.ResourceID)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", wf.State)
	_, _ = fmt.Fprintf(w, "Changes:\t%s\n", formatChanges(wf.ProposedChanges))
	if wf.Approver != "" {
		_, _ = fmt.Fprintf(w, "Approver:\t%s\n", wf.Approver)
	}
	if wf.RejectReason != "" {
		_, _ = fmt.Fprintf(w, "Rejected:\t%s\n", wf.RejectReason)
	}
	if wf.RetryCount > 0 {
		_, _ = fmt.Fprintf(w, "Retries:\t%d\n", wf.RetryCount)
	}
	if wf.LastError != "" {
		_, _ = fmt.Fprintf(w, "Last error:\t%s\n", wf.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(p.out, "\nHistory:\n")
	w = p.table()
	for _, t := range wf.History {
		from := string(t.From)
		if from == "" {
			from = "-"
		}
		actor := t.Actor
		if t.Reason != "" {
			actor += " (" + t.Reason + ")"
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n", formatTime(t.At), from, t.To, actor)
	}
	return w.Flush()
}

// Policies renders the active policy snapshot.
func (p *printer) Policies(snap *policy.Snapshot) error {
	if p.json {
		out := struct {
			Version  int64           `json:"version"`
			LoadedAt time.Time       `json:"loaded_at"`
			Policies []policy.Policy `json:"policies"`
		}{Version: snap.Version(), LoadedAt: snap.LoadedAt()}
		for _, c := range snap.Policies() {
			out.Policies = append(out.Policies, c.Policy)
		}
		return p.encode(out)
	}

	_, _ = fmt.Fprintf(p.out, "Policy snapshot v%d (%d active)\n\n", snap.Version(), snap.Len())
	w := p.table()
	_, _ = fmt.Fprintln(w, "POLICY\tNAME\tPROVIDERS\tTYPES\tTAGS\tCONDITION")
	for _, c := range snap.Policies() {
		tags := make([]string, 0, len(c.RequiredTags))
		for _, t := range c.RequiredTags {
			tags = append(tags, t.Name)
		}
		cond := "no"
		if c.Condition != nil {
			cond = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Name, orAll(c.CloudProviders), orAll(c.ResourceTypes), strings.Join(tags, ","), cond)
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatChanges(changes map[string]string) string {
	parts := make([]string, 0, len(changes))
	for _, k := range slices.Sorted(maps.Keys(changes)) {
		parts = append(parts, k+"="+changes[k])
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func orAll(items []string) string {
	if len(items) == 0 {
		return "*"
	}
	return strings.Join(items, ",")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
