// Package service is the operation surface of tagwarden. It wires the scan
// orchestrator, the policy snapshot, the evaluation pass and the
// remediation engine over one store, and is what the CLI and the daemon
// call.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/yairfalse/tagwarden/internal/audit"
	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/evaluator"
	"github.com/yairfalse/tagwarden/internal/orchestrator"
	"github.com/yairfalse/tagwarden/internal/policyset"
	"github.com/yairfalse/tagwarden/internal/remediation"
	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
	"github.com/yairfalse/tagwarden/pkg/scan"
	"github.com/yairfalse/tagwarden/pkg/workflow"
)

// ErrNotEvaluated is returned for the compliance status before the first
// evaluation pass.
var ErrNotEvaluated = errors.New("compliance has not been evaluated yet")

const (
	purgeReason   = "resource purged"
	exemptReason  = "resource exempted"
	evaluateGroup = "evaluate"
)

// Options wires a Service.
type Options struct {
	Store             store.Store
	Registry          *connector.Registry
	Audit             *audit.Log
	Scan              orchestrator.Config
	EvaluationWorkers int
	Remediation       remediation.Config
}

// Service implements every tagwarden operation.
type Service struct {
	store       store.Store
	scans       *orchestrator.Orchestrator
	policies    *policyset.Manager
	pass        *evaluator.Pass
	remediation *remediation.Engine
	evaluations singleflight.Group
	now         func() time.Time
}

// New builds the engines. Purging a stale resource rejects its open
// workflow first.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Registry == nil {
		return nil, errors.New("service: store and registry are required")
	}

	policies := policyset.NewManager(opts.Store)

	engine, err := remediation.New(opts.Store, opts.Registry, policies, opts.Audit, opts.Remediation)
	if err != nil {
		return nil, err
	}

	scanCfg := opts.Scan
	onPurge := scanCfg.OnPurge
	scanCfg.OnPurge = func(ctx context.Context, resourceID string) error {
		if err := engine.CancelOpen(ctx, resourceID, purgeReason); err != nil {
			return err
		}
		if onPurge != nil {
			return onPurge(ctx, resourceID)
		}
		return nil
	}
	scans, err := orchestrator.New(opts.Store, opts.Registry, scanCfg)
	if err != nil {
		return nil, err
	}

	pass, err := evaluator.NewPass(opts.Store, opts.EvaluationWorkers)
	if err != nil {
		return nil, err
	}

	return &Service{
		store:       opts.Store,
		scans:       scans,
		policies:    policies,
		pass:        pass,
		remediation: engine,
		now:         time.Now,
	}, nil
}

// Close stops running scans.
func (s *Service) Close() {
	s.scans.Close()
}

// TriggerScan starts a scan of one provider, or all when provider is empty.
func (s *Service) TriggerScan(ctx context.Context, provider string) (string, error) {
	return s.scans.TriggerScan(ctx, provider)
}

// ScanStatus returns a scan run as last persisted.
func (s *Service) ScanStatus(ctx context.Context, runID string) (scan.Run, error) {
	return s.scans.RunStatus(ctx, runID)
}

// CancelScan stops a running scan; what it already upserted stays.
func (s *Service) CancelScan(runID string) error {
	return s.scans.Cancel(runID)
}

// WaitScan blocks until a scan run finishes.
func (s *Service) WaitScan(ctx context.Context, runID string) (scan.Run, error) {
	return s.scans.Wait(ctx, runID)
}

// ListScanRuns returns scan runs, optionally for one provider.
func (s *Service) ListScanRuns(ctx context.Context, provider string) ([]scan.Run, error) {
	return s.scans.ListRuns(ctx, provider)
}

// PurgeStale deletes resources stale beyond the grace period.
func (s *Service) PurgeStale(ctx context.Context) (int, error) {
	return s.scans.PurgeStale(ctx)
}

// EvaluateCompliance runs one evaluation pass over every live resource
// against the current policy snapshot, opening workflows for remediable
// violations. Concurrent callers share the pass in flight; a caller that
// gives up does not cancel it for the others.
func (s *Service) EvaluateCompliance(ctx context.Context) (compliance.Summary, error) {
	if err := ctx.Err(); err != nil {
		return compliance.Summary{}, err
	}
	ch := s.evaluations.DoChan(evaluateGroup, func() (any, error) {
		snap := s.policies.Current()
		return s.pass.Run(context.WithoutCancel(ctx), snap, s.now().UTC(), s.remediation.Propose)
	})

	select {
	case <-ctx.Done():
		return compliance.Summary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return compliance.Summary{}, res.Err
		}
		return res.Val.(compliance.Summary), nil
	}
}

// GetComplianceStatus returns the summary of the last evaluation pass.
func (s *Service) GetComplianceStatus(ctx context.Context) (compliance.Summary, error) {
	sum, err := s.store.GetSummary(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return compliance.Summary{}, ErrNotEvaluated
	}
	if err != nil {
		return compliance.Summary{}, fmt.Errorf("get compliance summary: %w", err)
	}
	return sum, nil
}

// GetResourceCompliance returns the compliance record of one resource.
func (s *Service) GetResourceCompliance(ctx context.Context, resourceID string) (compliance.Record, error) {
	return s.store.GetCompliance(ctx, resourceID)
}

// ListCompliance returns compliance records, optionally in one status.
func (s *Service) ListCompliance(ctx context.Context, status compliance.Status) ([]compliance.Record, error) {
	return s.store.ListCompliance(ctx, store.ComplianceFilter{Status: status})
}

// ListResources returns live resources, optionally of one provider.
func (s *Service) ListResources(ctx context.Context, provider string) ([]resource.Resource, error) {
	return s.store.ListResources(ctx, store.ResourceFilter{Provider: provider})
}

// ListWorkflows returns workflows, optionally in one state.
func (s *Service) ListWorkflows(ctx context.Context, state workflow.State) ([]workflow.Workflow, error) {
	return s.remediation.List(ctx, state)
}

// GetWorkflow returns one workflow.
func (s *Service) GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	return s.remediation.Get(ctx, id)
}

// ApproveWorkflow approves a pending or failed workflow.
func (s *Service) ApproveWorkflow(ctx context.Context, id, approver string) (workflow.Workflow, error) {
	return s.remediation.Approve(ctx, id, approver)
}

// RejectWorkflow rejects a pending or failed workflow.
func (s *Service) RejectWorkflow(ctx context.Context, id, approver, reason string) (workflow.Workflow, error) {
	return s.remediation.Reject(ctx, id, approver, reason)
}

// ApplyWorkflow applies an approved workflow.
func (s *Service) ApplyWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	return s.remediation.Apply(ctx, id)
}

// ApplyApproved applies every approved workflow.
func (s *Service) ApplyApproved(ctx context.Context) (applied, failed int, err error) {
	return s.remediation.ApplyApproved(ctx)
}

// SetExemption marks a resource exempt until cleared. Evaluation passes
// leave its record alone and any open workflow for it is rejected.
func (s *Service) SetExemption(ctx context.Context, resourceID, actor, reason string) (compliance.Record, error) {
	r, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return compliance.Record{}, fmt.Errorf("get resource %s: %w", resourceID, err)
	}

	rec, err := s.store.GetCompliance(ctx, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		rec = evaluator.Evaluate(ctx, r, s.policies.Current(), s.now().UTC())
	} else if err != nil {
		return compliance.Record{}, fmt.Errorf("get compliance of %s: %w", resourceID, err)
	}

	exempt, err := evaluator.Exempt(rec, actor, reason, s.now().UTC())
	if err != nil {
		return compliance.Record{}, err
	}
	if err := s.store.PutCompliance(ctx, exempt); err != nil {
		return compliance.Record{}, fmt.Errorf("store exemption: %w", err)
	}

	if err := s.remediation.CancelOpen(ctx, resourceID, exemptReason); err != nil {
		log.Warn().Err(err).Str("resource_id", resourceID).Msg("open workflow of exempted resource left as is")
	}
	log.Info().Str("resource_id", resourceID).Str("actor", actor).Str("reason", reason).Msg("resource exempted")
	return exempt, nil
}

// ClearExemption removes an exemption and re-evaluates the resource
// against the current snapshot.
func (s *Service) ClearExemption(ctx context.Context, resourceID string) (compliance.Record, error) {
	r, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return compliance.Record{}, fmt.Errorf("get resource %s: %w", resourceID, err)
	}
	rec := evaluator.Evaluate(ctx, r, s.policies.Current(), s.now().UTC())
	if err := s.store.PutCompliance(ctx, rec); err != nil {
		return compliance.Record{}, fmt.Errorf("store compliance: %w", err)
	}
	log.Info().Str("resource_id", resourceID).Str("status", string(rec.Status)).Msg("exemption cleared")
	return rec, nil
}

// Policies returns the active policy snapshot.
func (s *Service) Policies() *policy.Snapshot {
	return s.policies.Current()
}

// ReloadPolicies rebuilds the snapshot from the store.
func (s *Service) ReloadPolicies(ctx context.Context) (*policy.Snapshot, error) {
	return s.policies.Reload(ctx)
}

// ImportPolicies validates a policy file, stores its policies and makes
// them active.
func (s *Service) ImportPolicies(ctx context.Context, path string) (*policy.Snapshot, error) {
	imported, err := policyset.Import(ctx, s.store, path, s.now().UTC())
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("policies", len(imported)).Msg("policies imported")
	return s.policies.Reload(ctx)
}

// WatchPolicies reloads the snapshot on every policy change until ctx is
// done.
func (s *Service) WatchPolicies(ctx context.Context) {
	s.policies.Watch(ctx)
}
