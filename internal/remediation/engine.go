// Package remediation drives approval-gated tag remediation workflows, from
// proposal through provider write-back and verification.
package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tagwarden/internal/audit"
	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/evaluator"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
	"github.com/yairfalse/tagwarden/pkg/workflow"
)

// SystemActor is the actor recorded for transitions the engine makes itself.
const SystemActor = "system"

const (
	// DefaultApplyTimeout is how long a workflow may stay applying before
	// Recover treats the apply as interrupted.
	DefaultApplyTimeout = 15 * time.Minute

	interruptedReason = "apply interrupted"
)

var (
	// ErrApproverRequired is returned when approving or rejecting anonymously.
	ErrApproverRequired = errors.New("approver is required")
	// ErrNothingToRemediate is returned when a record has no remediable violation.
	ErrNothingToRemediate = errors.New("no auto-remediable violations")
)

// Store is the persistence the engine needs.
type Store interface {
	store.ResourceStore
	store.ComplianceStore
	store.WorkflowStore
}

// Snapshots provides the current policy snapshot.
type Snapshots interface {
	Current() *policy.Snapshot
}

// Config tunes the engine.
type Config struct {
	// MaxRetries bounds how often failed keys are retried within one apply.
	MaxRetries int
	// Retry sets the backoff between attempts; MaxAttempts is derived from MaxRetries.
	Retry retry.Policy
	// ApplyTimeout bounds how long a workflow may stay applying.
	ApplyTimeout time.Duration
}

// Engine owns the workflow state machine.
type Engine struct {
	store     Store
	registry  *connector.Registry
	snapshots Snapshots
	audit     *audit.Log
	cfg       Config
	locks     *keyedMutex
	now       func() time.Time
	newID     func() string
	tracer    trace.Tracer
	metrics   *metrics
}

// New creates an engine. auditLog may be nil.
func New(s Store, registry *connector.Registry, snapshots Snapshots, auditLog *audit.Log, cfg Config) (*Engine, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Retry.MaxAttempts = uint(cfg.MaxRetries) + 1
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}

	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("create remediation metrics: %w", err)
	}
	return &Engine{
		store:     s,
		registry:  registry,
		snapshots: snapshots,
		audit:     auditLog,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		now:       time.Now,
		newID:     uuid.NewString,
		tracer:    otel.Tracer("tagwarden.remediation"),
		metrics:   m,
	}, nil
}

// Create opens a workflow for a non-compliant resource with at least one
// auto-remediable violation. It fails with store.ErrOpenWorkflowExists if
// the resource already has an open workflow.
func (e *Engine) Create(ctx context.Context, r resource.Resource, rec compliance.Record) (workflow.Workflow, error) {
	changes := evaluator.ProposedChanges(rec.Violations)
	if rec.Status != compliance.StatusNonCompliant || len(changes) == 0 {
		return workflow.Workflow{}, fmt.Errorf("create workflow for %s: %w", r.Key(), ErrNothingToRemediate)
	}

	now := e.now().UTC()
	wf := workflow.Workflow{
		ID:              e.newID(),
		ResourceID:      r.Key(),
		Provider:        r.Provider,
		ResourceType:    r.Type,
		NativeID:        r.NativeID,
		Region:          r.Region,
		Violations:      rec.Violations,
		ProposedChanges: changes,
		State:           workflow.StatePendingApproval,
		CreatedBy:       SystemActor,
		ResourceVersion: r.Version,
		TagSnapshot:     maps.Clone(r.Tags),
		History: []workflow.Transition{{
			To:    workflow.StatePendingApproval,
			Actor: SystemActor,
			At:    now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := e.store.CreateWorkflow(ctx, wf)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("create workflow for %s: %w", r.Key(), err)
	}

	e.metrics.recordTransition(ctx, "", workflow.StatePendingApproval)
	e.record(ctx, created, "created", "", workflow.StatePendingApproval, SystemActor, "", changes)
	log.Info().
		Str("workflow_id", created.ID).
		Str("resource_id", created.ResourceID).
		Int("changes", len(changes)).
		Msg("remediation workflow proposed")
	return created, nil
}

// Propose creates a workflow unless one is already open, and reports
// whether it did. It matches evaluator.RemediableFunc.
func (e *Engine) Propose(ctx context.Context, r resource.Resource, rec compliance.Record) (bool, error) {
	_, err := e.Create(ctx, r, rec)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrOpenWorkflowExists), errors.Is(err, ErrNothingToRemediate):
		return false, nil
	default:
		return false, err
	}
}

// Approve moves a pending or failed workflow to approved.
func (e *Engine) Approve(ctx context.Context, id, approver string) (workflow.Workflow, error) {
	if approver == "" {
		return workflow.Workflow{}, ErrApproverRequired
	}
	return e.transition(ctx, id, workflow.StateApproved, approver, "", func(wf *workflow.Workflow) {
		wf.Approver = approver
	})
}

// Reject moves a pending or failed workflow to rejected.
func (e *Engine) Reject(ctx context.Context, id, approver, reason string) (workflow.Workflow, error) {
	if approver == "" {
		return workflow.Workflow{}, ErrApproverRequired
	}
	return e.transition(ctx, id, workflow.StateRejected, approver, reason, func(wf *workflow.Workflow) {
		wf.RejectReason = reason
	})
}

func (e *Engine) transition(ctx context.Context, id string, to workflow.State, actor, reason string, mutate func(*workflow.Workflow)) (workflow.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}

	unlock := e.locks.Lock(wf.ResourceID)
	defer unlock()

	// Re-read under the resource lock.
	wf, err = e.store.GetWorkflow(ctx, id)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	from := wf.State
	if err := wf.Transition(to, actor, reason, e.now().UTC()); err != nil {
		return workflow.Workflow{}, fmt.Errorf("workflow %s: %w", id, err)
	}
	if mutate != nil {
		mutate(&wf)
	}
	return e.save(ctx, wf, from, actor, reason)
}

func (e *Engine) save(ctx context.Context, wf workflow.Workflow, from workflow.State, actor, reason string) (workflow.Workflow, error) {
	saved, err := e.store.UpdateWorkflow(ctx, wf, wf.Version)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	e.metrics.recordTransition(ctx, from, saved.State)
	e.record(ctx, saved, "transition", from, saved.State, actor, reason, nil)
	return saved, nil
}

// CancelOpen rejects the open workflow of a resource that no longer exists.
func (e *Engine) CancelOpen(ctx context.Context, resourceID, reason string) error {
	unlock := e.locks.Lock(resourceID)
	defer unlock()

	wf, err := e.store.OpenWorkflow(ctx, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open workflow of %s: %w", resourceID, err)
	}

	from := wf.State
	if err := wf.Cancel(SystemActor, reason, e.now().UTC()); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	_, err = e.save(ctx, wf, from, SystemActor, reason)
	return err
}

// Get returns one workflow.
func (e *Engine) Get(ctx context.Context, id string) (workflow.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// List returns workflows, optionally in one state.
func (e *Engine) List(ctx context.Context, state workflow.State) ([]workflow.Workflow, error) {
	return e.store.ListWorkflows(ctx, store.WorkflowFilter{State: state})
}

// Recover moves workflows left applying for longer than olderThan to
// failed, so they can be re-approved or rejected. Apply holds the resource
// lock until it settles, so such a workflow was cut off mid-apply. It
// returns how many workflows it failed.
func (e *Engine) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	applying, err := e.List(ctx, workflow.StateApplying)
	if err != nil {
		return 0, fmt.Errorf("list applying workflows: %w", err)
	}

	cutoff := e.now().UTC().Add(-olderThan)
	var (
		recovered int
		errs      []error
	)
	for _, wf := range applying {
		if wf.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := e.recoverOne(ctx, wf.ID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}

func (e *Engine) recoverOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get workflow %s: %w", id, err)
	}

	unlock := e.locks.Lock(wf.ResourceID)
	defer unlock()

	wf, err = e.store.GetWorkflow(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if wf.State != workflow.StateApplying || wf.UpdatedAt.After(cutoff) {
		return false, nil
	}
	if err := wf.Transition(workflow.StateFailed, SystemActor, interruptedReason, e.now().UTC()); err != nil {
		return false, fmt.Errorf("workflow %s: %w", id, err)
	}
	wf.LastError = interruptedReason
	if _, err := e.save(ctx, wf, workflow.StateApplying, SystemActor, interruptedReason); err != nil {
		return false, err
	}

	log.Warn().
		Str("workflow_id", wf.ID).
		Str("resource_id", wf.ResourceID).
		Msg("interrupted apply marked failed")
	return true, nil
}

// ApplyApproved recovers interrupted applies, then applies every approved
// workflow and reports how many ended applied and failed.
func (e *Engine) ApplyApproved(ctx context.Context) (applied, failed int, err error) {
	if _, err := e.Recover(ctx, e.cfg.ApplyTimeout); err != nil {
		log.Error().Err(err).Msg("could not recover interrupted applies")
	}

	approved, err := e.List(ctx, workflow.StateApproved)
	if err != nil {
		return 0, 0, fmt.Errorf("list approved workflows: %w", err)
	}

	var errs []error
	for _, wf := range approved {
		if ctx.Err() != nil {
			break
		}
		out, err := e.Apply(ctx, wf.ID)
		switch {
		case err != nil:
			errs = append(errs, err)
		case out.State == workflow.StateApplied:
			applied++
		default:
			failed++
		}
	}
	return applied, failed, errors.Join(errs...)
}

func (e *Engine) record(ctx context.Context, wf workflow.Workflow, event string, from, to workflow.State, actor, reason string, data any) {
	if e.audit == nil {
		return
	}

	entry := audit.Entry{
		Event:      event,
		WorkflowID: wf.ID,
		ResourceID: wf.ResourceID,
		Actor:      actor,
		From:       string(from),
		To:         string(to),
		Reason:     reason,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			entry.Data = raw
		}
	}
	if _, err := e.audit.Append(entry); err != nil {
		log.Error().Err(err).Str("workflow_id", wf.ID).Msg("failed to write audit entry")
	}
}
