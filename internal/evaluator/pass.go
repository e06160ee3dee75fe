package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// DefaultWorkers bounds concurrent evaluations in a pass.
const DefaultWorkers = 8

// Store is the persistence an evaluation pass needs.
type Store interface {
	store.ResourceStore
	store.ComplianceStore
}

// RemediableFunc is called for each non-compliant record with at least one
// auto-remediable violation. It reports whether a workflow was opened.
type RemediableFunc func(ctx context.Context, r resource.Resource, rec compliance.Record) (bool, error)

// Pass evaluates every live resource in the store against one snapshot.
type Pass struct {
	store   Store
	workers int
	tracer  trace.Tracer
	metrics *metrics
}

// NewPass creates an evaluation pass runner. workers <= 0 uses DefaultWorkers.
func NewPass(s Store, workers int) (*Pass, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("create evaluator metrics: %w", err)
	}
	return &Pass{
		store:   s,
		workers: workers,
		tracer:  otel.Tracer("tagwarden.evaluator"),
		metrics: m,
	}, nil
}

// Run evaluates all non-stale resources against snap, stores their
// records and the resulting summary. Exempt records are kept as they are.
// A failure on one resource is counted in the summary, both as an error
// and as unknown, and does not stop the pass.
func (p *Pass) Run(ctx context.Context, snap *policy.Snapshot, at time.Time, onRemediable RemediableFunc) (compliance.Summary, error) {
	ctx, span := p.tracer.Start(ctx, "evaluator.pass",
		trace.WithAttributes(
			attribute.Int64("policy.snapshot_version", snap.Version()),
			attribute.Int("policy.count", snap.Len())))
	defer span.End()

	started := time.Now()
	resources, err := p.store.ListResources(ctx, store.ResourceFilter{})
	if err != nil {
		return compliance.Summary{}, fmt.Errorf("list resources: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = compliance.Summary{EvaluatedAt: at}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, r := range resources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			status, opened, err := p.one(gctx, r, snap, at, onRemediable)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// The resource still exists; it counts as unknown.
				summary.Add(compliance.StatusUnknown)
				summary.Errors++
				log.Error().Err(err).Str("resource_id", r.Key()).Msg("evaluation failed")
				if errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			summary.Add(status)
			if opened {
				summary.WorkflowsOpened++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return compliance.Summary{}, fmt.Errorf("evaluation pass: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return compliance.Summary{}, fmt.Errorf("evaluation pass: %w", err)
	}

	summary.Finalize()
	if err := p.store.PutSummary(ctx, summary); err != nil {
		return compliance.Summary{}, fmt.Errorf("store summary: %w", err)
	}

	p.metrics.recordPass(ctx, summary, time.Since(started))
	log.Info().
		Int("resources", summary.TotalResources).
		Int("compliant", summary.Compliant).
		Int("non_compliant", summary.NonCompliant).
		Int("exempt", summary.Exempt).
		Int("errors", summary.Errors).
		Float64("compliance_rate", summary.ComplianceRate).
		Int64("snapshot_version", snap.Version()).
		Dur("duration", time.Since(started)).
		Msg("evaluation pass complete")
	return summary, nil
}

func (p *Pass) one(ctx context.Context, r resource.Resource, snap *policy.Snapshot, at time.Time, onRemediable RemediableFunc) (compliance.Status, bool, error) {
	prev, err := p.store.GetCompliance(ctx, r.Key())
	switch {
	case err == nil && prev.Exempt():
		return compliance.StatusExempt, false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", false, fmt.Errorf("read compliance: %w", err)
	}

	rec := Evaluate(ctx, r, snap, at)
	if err := p.store.PutCompliance(ctx, rec); err != nil {
		return "", false, fmt.Errorf("store compliance: %w", err)
	}

	if rec.Status != compliance.StatusNonCompliant || len(rec.Remediable()) == 0 || onRemediable == nil {
		return rec.Status, false, nil
	}
	opened, err := onRemediable(ctx, r, rec)
	if err != nil {
		log.Warn().Err(err).Str("resource_id", r.Key()).Msg("could not open remediation workflow")
	}
	return rec.Status, opened, nil
}
