package remediation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/evaluator"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/resource"
	"github.com/yairfalse/tagwarden/pkg/workflow"
)

// maxResourceWrites bounds the write-if-unchanged loop after an apply.
const maxResourceWrites = 3

// Apply writes an approved workflow's pending changes to the provider,
// verifies them against the live tags, refreshes the stored resource and
// its compliance record, and ends in applied or failed.
//
// Applies for the same resource are serialized. When the resource changed
// since the workflow was proposed, it is re-evaluated first and only the
// approved keys that still violate are written.
func (e *Engine) Apply(ctx context.Context, id string) (workflow.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}

	unlock := e.locks.Lock(wf.ResourceID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "remediation.apply",
		trace.WithAttributes(
			attribute.String("workflow.id", id),
			attribute.String("resource.id", wf.ResourceID)))
	defer span.End()

	wf, err = e.store.GetWorkflow(ctx, id)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if err := wf.Transition(workflow.StateApplying, SystemActor, "", e.now().UTC()); err != nil {
		return workflow.Workflow{}, fmt.Errorf("workflow %s: %w", id, err)
	}
	wf, err = e.save(ctx, wf, workflow.StateApproved, SystemActor, "")
	if err != nil {
		return workflow.Workflow{}, err
	}

	// From here on the outcome is persisted even if ctx is cancelled.
	persistCtx := context.WithoutCancel(ctx)
	wf.Failures = nil
	wf.LastError = ""

	if err := e.run(ctx, &wf); err != nil {
		wf.LastError = err.Error()
	}

	to := workflow.StateApplied
	reason := ""
	if len(wf.PendingKeys()) > 0 || wf.LastError != "" {
		to = workflow.StateFailed
		reason = wf.LastError
		if reason == "" {
			reason = failureSummary(wf.Failures)
		}
	}
	now := e.now().UTC()
	if err := wf.Transition(to, SystemActor, reason, now); err != nil {
		return workflow.Workflow{}, fmt.Errorf("workflow %s: %w", id, err)
	}
	if to == workflow.StateApplied {
		wf.AppliedAt = &now
	}

	saved, err := e.save(persistCtx, wf, workflow.StateApplying, SystemActor, reason)
	if err != nil {
		return workflow.Workflow{}, err
	}

	log.Info().
		Str("workflow_id", saved.ID).
		Str("resource_id", saved.ResourceID).
		Str("state", string(saved.State)).
		Strs("confirmed", saved.Confirmed).
		Int("failures", len(saved.Failures)).
		Int("retries", saved.RetryCount).
		Msg("remediation apply finished")
	return saved, nil
}

// run performs the provider side of an apply. Per-key outcomes are recorded
// on wf; the error is reserved for failures that stopped the apply.
func (e *Engine) run(ctx context.Context, wf *workflow.Workflow) error {
	conn, ok := e.registry.Get(wf.Provider)
	if !ok {
		return fmt.Errorf("no connector for provider %s", wf.Provider)
	}
	persistCtx := context.WithoutCancel(ctx)

	r, err := e.store.GetResource(persistCtx, wf.ResourceID)
	if err != nil {
		return fmt.Errorf("get resource: %w", err)
	}
	ref := connector.RefOf(r)

	live, err := conn.FetchTags(ctx, ref)
	if err != nil {
		return fmt.Errorf("fetch live tags: %w", err)
	}

	// Policies may also have changed since the proposal, so the live tags
	// are always re-evaluated. Without a verdict nothing is written.
	pending := wf.PendingKeys()
	still, err := e.stillViolating(ctx, r, live, pending)
	if err != nil {
		return err
	}
	changed := r.Version != wf.ResourceVersion || !resource.TagsEqual(r.KeyMode, live, r.Tags)
	if changed || len(still) != len(pending) {
		resolved := slices.DeleteFunc(wf.PendingKeys(), func(k string) bool { return slices.Contains(still, k) })
		wf.Confirm(resolved...)
		log.Info().
			Str("workflow_id", wf.ID).
			Int64("proposed_version", wf.ResourceVersion).
			Int64("stored_version", r.Version).
			Strs("still_violating", still).
			Strs("resolved", resolved).
			Msg("re-evaluated before apply")
		reason := "policies changed since proposal"
		if changed {
			reason = "resource changed since proposal"
		}
		e.record(ctx, *wf, "reevaluated", wf.State, wf.State, SystemActor, reason, still)
	}
	pending = still

	applied, failures := e.write(ctx, conn, ref, wf, pending)
	wf.Failures = failures

	if len(applied) == 0 {
		if !resource.TagsEqual(r.KeyMode, live, r.Tags) {
			if err := e.refresh(persistCtx, r, live); err != nil {
				log.Warn().Err(err).Str("resource_id", r.Key()).Msg("could not refresh resource")
			}
		}
		return nil
	}

	verified, err := conn.FetchTags(ctx, ref)
	if err != nil {
		for _, k := range applied {
			wf.Failures = append(wf.Failures, workflow.KeyFailure{Key: k, Error: "verify: " + err.Error()})
		}
		return nil
	}
	for _, k := range applied {
		if v, ok := verified[resource.NormalizeKey(r.KeyMode, k)]; ok && v == wf.ProposedChanges[k] {
			wf.Confirm(k)
			continue
		}
		wf.Failures = append(wf.Failures, workflow.KeyFailure{Key: k, Error: "value not visible after apply"})
	}

	if err := e.refresh(persistCtx, r, verified); err != nil {
		log.Warn().Err(err).Str("resource_id", r.Key()).Msg("could not refresh resource after apply")
	}
	return nil
}

// stillViolating re-evaluates r with its live tags and keeps the keys that
// still violate a policy. It fails when the evaluation gives no verdict,
// for example because no active policy applies to r any more.
func (e *Engine) stillViolating(ctx context.Context, r resource.Resource, live map[string]string, keys []string) ([]string, error) {
	current := r.Clone()
	current.Tags = live
	current.FetchError = ""
	rec := evaluator.Evaluate(ctx, current, e.snapshots.Current(), e.now().UTC())
	if rec.Status == compliance.StatusUnknown {
		return nil, fmt.Errorf("re-evaluate: %s", rec.Reason)
	}

	violating := make(map[string]bool, len(rec.Violations))
	for _, v := range rec.Violations {
		violating[v.TagName] = true
	}
	var out []string
	for _, k := range keys {
		if violating[resource.NormalizeKey(r.KeyMode, k)] {
			out = append(out, k)
		}
	}
	return out, nil
}

// write applies keys, retrying only the failed ones until they succeed,
// one fails permanently, or the retry budget is spent.
func (e *Engine) write(ctx context.Context, conn connector.Connector, ref connector.Ref, wf *workflow.Workflow, keys []string) ([]string, []workflow.KeyFailure) {
	if len(keys) == 0 {
		return nil, nil
	}

	var (
		applied   []string
		failed    []connector.TagFailure
		remaining = keys
		attempts  int
	)
	_, err := retry.Do(ctx, e.cfg.Retry, "apply "+wf.ID, func() (struct{}, error) {
		attempts++
		changes := make(map[string]string, len(remaining))
		for _, k := range remaining {
			changes[k] = wf.ProposedChanges[k]
		}

		res, err := conn.ApplyTags(ctx, ref, changes)
		if err != nil {
			res = connector.FailAll(changes, err)
		}
		applied = append(applied, res.Applied...)
		failed = res.Failed
		remaining = res.FailedKeys()

		if len(failed) == 0 {
			return struct{}{}, nil
		}
		errs := make([]error, 0, len(failed))
		permanent := false
		for _, f := range failed {
			errs = append(errs, fmt.Errorf("%s: %w", f.Key, f.Err))
			permanent = permanent || retry.IsPermanent(f.Err)
		}
		if permanent {
			return struct{}{}, retry.Permanent(errors.Join(errs...))
		}
		return struct{}{}, retry.Transient(errors.Join(errs...))
	})
	wf.RetryCount += max(attempts-1, 0)
	if err != nil {
		log.Warn().Err(err).Str("workflow_id", wf.ID).Int("attempts", attempts).Msg("tag apply incomplete")
	}

	failures := make([]workflow.KeyFailure, 0, len(failed))
	for _, f := range failed {
		failures = append(failures, workflow.KeyFailure{
			Key:       f.Key,
			Error:     f.Err.Error(),
			Permanent: retry.IsPermanent(f.Err),
		})
	}
	if errors.Is(err, context.Canceled) && len(failures) == 0 {
		for _, k := range remaining {
			failures = append(failures, workflow.KeyFailure{Key: k, Error: err.Error()})
		}
	}
	return applied, failures
}

// refresh stores the verified tags on the resource, write-if-unchanged,
// and re-evaluates it. Exempt records are left as they are.
func (e *Engine) refresh(ctx context.Context, r resource.Resource, tags map[string]string) error {
	var (
		updated  resource.Resource
		writeErr error
	)
	for attempt := range maxResourceWrites {
		next := r.Clone()
		next.Tags = tags
		next.LastScannedAt = e.now().UTC()
		next.FetchError = ""
		updated, writeErr = e.store.PutResource(ctx, next, r.Version)
		if writeErr == nil {
			break
		}
		if !errors.Is(writeErr, store.ErrConflict) {
			return fmt.Errorf("write resource: %w", writeErr)
		}
		if attempt == maxResourceWrites-1 {
			break
		}
		current, err := e.store.GetResource(ctx, r.Key())
		if err != nil {
			return fmt.Errorf("re-read resource: %w", err)
		}
		r = current
	}
	if writeErr != nil {
		return fmt.Errorf("write resource after %d attempts: %w", maxResourceWrites, writeErr)
	}

	prev, err := e.store.GetCompliance(ctx, updated.Key())
	if err == nil && prev.Exempt() {
		return nil
	}
	rec := evaluator.Evaluate(ctx, updated, e.snapshots.Current(), e.now().UTC())
	if err := e.store.PutCompliance(ctx, rec); err != nil {
		return fmt.Errorf("store compliance: %w", err)
	}
	return nil
}

func failureSummary(failures []workflow.KeyFailure) string {
	if len(failures) == 0 {
		return ""
	}
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, f.Key+": "+f.Error)
	}
	return strings.Join(parts, "; ")
}
