// Package orchestrator runs scans: it fans listing out per provider and
// resource type, normalizes and upserts what it finds, and keeps the
// append-only scan run record.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/emitter"
	"github.com/yairfalse/tagwarden/internal/filter"
	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/scan"
)

var (
	// ErrUnknownProvider is returned when no connector serves a provider.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNoProviders is returned when a scan has nothing to list.
	ErrNoProviders = errors.New("no providers registered")
	// ErrNotRunning is returned when cancelling a run that is not active.
	ErrNotRunning = errors.New("scan run is not running")
)

// maxUpsertAttempts bounds the re-read/retry loop on concurrent writes.
const maxUpsertAttempts = 3

// Store is the persistence the orchestrator needs.
type Store interface {
	store.ResourceStore
	store.ComplianceStore
	store.ScanRunStore
}

// PurgeFunc is called before a stale resource is deleted.
type PurgeFunc func(ctx context.Context, resourceID string) error

// Config tunes scans.
type Config struct {
	// Concurrency limits concurrent (provider, type) tasks per provider.
	Concurrency int
	// Limiters throttle listing calls per provider. Missing entries are unthrottled.
	Limiters map[string]*rate.Limiter
	// StaleGrace is how long a stale resource is kept before it is purged.
	// Zero disables purging.
	StaleGrace time.Duration
	Filter     *filter.Filter
	// OnPurge runs for each resource before it is purged.
	OnPurge PurgeFunc
	// Emitter receives the tag drift of resources already in the inventory.
	Emitter emitter.Emitter
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator triggers and tracks scan runs.
type Orchestrator struct {
	store    Store
	registry *connector.Registry
	cfg      Config
	now      func() time.Time
	newID    func() string
	tracer   trace.Tracer
	metrics  *metrics

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(s Store, registry *connector.Registry, cfg Config) (*Orchestrator, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("create orchestrator metrics: %w", err)
	}
	return &Orchestrator{
		store:    s,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		tracer:   otel.Tracer("tagwarden.orchestrator"),
		metrics:  m,
		active:   make(map[string]*activeRun),
	}, nil
}

// TriggerScan starts a scan of one provider, or of every registered
// provider when provider is empty, and returns its run id immediately.
// The scan outlives ctx; use Cancel to stop it.
func (o *Orchestrator) TriggerScan(ctx context.Context, provider string) (string, error) {
	var conns []connector.Connector
	if provider != "" {
		c, ok := o.registry.Get(provider)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
		}
		conns = []connector.Connector{c}
	} else {
		conns = o.registry.All()
	}
	if len(conns) == 0 {
		return "", ErrNoProviders
	}

	run := scan.Run{
		ID:        o.newID(),
		Status:    scan.StatusRunning,
		StartedAt: o.now().UTC(),
	}
	for _, c := range conns {
		run.Providers = append(run.Providers, c.Provider())
	}
	if err := o.store.CreateScanRun(ctx, run); err != nil {
		return "", fmt.Errorf("create scan run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.active[run.ID] = ar
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(ar.done)
		defer cancel()
		o.execute(runCtx, run, conns)

		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()
	}()

	log.Info().Str("run_id", run.ID).Strs("providers", run.Providers).Msg("scan triggered")
	return run.ID, nil
}

// Cancel stops an active run. In-flight calls finish and their results are
// kept; the run ends as partial.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, runID)
	}
	ar.cancel()
	return nil
}

// Wait blocks until the run finishes or ctx is done, then returns the run.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (scan.Run, error) {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return scan.Run{}, ctx.Err()
		}
	}
	return o.RunStatus(ctx, runID)
}

// RunStatus returns the stored run record.
func (o *Orchestrator) RunStatus(ctx context.Context, runID string) (scan.Run, error) {
	run, err := o.store.GetScanRun(ctx, runID)
	if err != nil {
		return scan.Run{}, fmt.Errorf("get scan run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally for one provider.
func (o *Orchestrator) ListRuns(ctx context.Context, provider string) ([]scan.Run, error) {
	return o.store.ListScanRuns(ctx, provider)
}

// Running reports whether any scan is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active) > 0
}

// Close cancels every active run and waits for them to be committed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, ar := range o.active {
		ar.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, run scan.Run, conns []connector.Connector) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scan",
		trace.WithAttributes(
			attribute.String("scan.run_id", run.ID),
			attribute.StringSlice("scan.providers", run.Providers)))
	defer span.End()

	rec := newRecorder(o.store, run)

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.scanProvider(ctx, c, rec)
		}()
	}
	wg.Wait()

	// Commit under a context that survives cancellation.
	commitCtx := context.WithoutCancel(ctx)
	cancelled := ctx.Err() != nil

	final := rec.snapshot()
	final.Cancelled = cancelled
	for _, c := range conns {
		if !final.ProviderComplete(c.Provider()) {
			continue
		}
		staled, err := o.markStale(commitCtx, c.Provider(), scannedTypes(final, c.Provider()), run.ID, rec.unwrittenKeys())
		if err != nil {
			log.Error().Err(err).Str("provider", c.Provider()).Msg("stale marking failed")
		}
		final.Staled += staled

		purged, err := o.purgeProvider(commitCtx, c.Provider())
		if err != nil {
			log.Error().Err(err).Str("provider", c.Provider()).Msg("purge failed")
		}
		final.Purged += purged
	}

	final.Status = scan.StatusCompleted
	for _, s := range final.Stats {
		if !s.Complete {
			final.Status = scan.StatusPartial
		}
	}
	if cancelled {
		final.Status = scan.StatusPartial
	}
	finished := o.now().UTC()
	final.FinishedAt = &finished

	if err := o.store.UpdateScanRun(commitCtx, final); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("failed to commit scan run")
	}

	succeeded, failed := final.Totals()
	log.Info().
		Str("run_id", run.ID).
		Str("status", string(final.Status)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("staled", final.Staled).
		Int("purged", final.Purged).
		Dur("duration", finished.Sub(run.StartedAt)).
		Msg("scan finished")
}

func scannedTypes(run scan.Run, provider string) []string {
	var types []string
	for _, s := range run.ProviderStats(provider) {
		types = append(types, s.ResourceType)
	}
	return types
}

// recorder serializes updates to the in-progress run record.
type recorder struct {
	runID     string
	mu        sync.Mutex
	store     store.ScanRunStore
	run       scan.Run
	unwritten map[string]bool
}

func newRecorder(s store.ScanRunStore, run scan.Run) *recorder {
	return &recorder{runID: run.ID, store: s, run: run, unwritten: make(map[string]bool)}
}

func (r *recorder) add(ctx context.Context, stats scan.TypeStats, unwritten []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.Stats = append(r.run.Stats, stats)
	for _, key := range unwritten {
		r.unwritten[key] = true
	}
	if err := r.store.UpdateScanRun(context.WithoutCancel(ctx), r.run); err != nil {
		log.Warn().Err(err).Str("run_id", r.run.ID).Msg("failed to record scan progress")
	}
}

func (r *recorder) unwrittenKeys() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.unwritten)
}

func (r *recorder) snapshot() scan.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.run
	out.Stats = slices.Clone(r.run.Stats)
	slices.SortFunc(out.Stats, func(a, b scan.TypeStats) int {
		return cmp.Or(cmp.Compare(a.Provider, b.Provider), cmp.Compare(a.ResourceType, b.ResourceType))
	})
	return out
}
