package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/emitter"
	"github.com/yairfalse/tagwarden/internal/normalize"
	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/resource"
	"github.com/yairfalse/tagwarden/pkg/scan"
)

// maxTaskErrors caps the error messages kept per task.
const maxTaskErrors = 10

func (o *Orchestrator) scanProvider(ctx context.Context, c connector.Connector, rec *recorder) {
	provider := c.Provider()

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)

	for _, typ := range c.ResourceTypes() {
		if !o.cfg.Filter.ShouldScanType(provider, typ) {
			log.Debug().Str("provider", provider).Str("resource_type", typ).Msg("resource type excluded")
			continue
		}
		if ctx.Err() != nil {
			rec.add(ctx, scan.TypeStats{Provider: provider, ResourceType: typ, Errors: []string{"not started: scan cancelled"}}, nil)
			continue
		}
		g.Go(func() error {
			stats, unwritten := o.scanType(ctx, c, typ, rec.runID)
			rec.add(ctx, stats, unwritten)
			return nil
		})
	}
	_ = g.Wait()
}

// scanType lists one resource type across its regions. A listing error
// ends the task; per-record errors are counted. A record whose tags cannot
// be normalized is still stored, with the error as its fetch error. It
// also returns the keys of listed resources that could not be written, so
// stale marking leaves them alone.
func (o *Orchestrator) scanType(ctx context.Context, c connector.Connector, typ, runID string) (scan.TypeStats, []string) {
	provider := c.Provider()
	stats := scan.TypeStats{Provider: provider, ResourceType: typ, Complete: true}
	started := time.Now()
	logger := log.With().Str("run_id", runID).Str("provider", provider).Str("resource_type", typ).Logger()

	fail := func(err error) {
		stats.Failed++
		if len(stats.Errors) < maxTaskErrors {
			stats.Errors = append(stats.Errors, err.Error())
		}
		o.metrics.recordError(ctx, provider, typ)
	}

	writeCtx := context.WithoutCancel(ctx)
	var unwritten []string

regions:
	for _, region := range c.Regions(typ) {
		if lim := o.cfg.Limiters[provider]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				stats.Complete = false
				fail(fmt.Errorf("wait for rate limit: %w", err))
				break
			}
		}

		for nrec, err := range c.List(ctx, typ, region) {
			if err != nil {
				stats.Complete = false
				fail(fmt.Errorf("list %s %s: %w", typ, regionLabel(region), err))
				break regions
			}

			now := o.now().UTC()
			r, err := normalize.Normalize(nrec, now)
			if err != nil {
				fail(err)
				unreadable, ok := normalize.Unreadable(nrec, now, err)
				if !ok {
					continue
				}
				// Tag filters cannot judge an unreadable tag set.
				if err := o.upsert(writeCtx, unreadable, runID); err != nil {
					logger.Warn().Err(err).Str("resource_id", unreadable.Key()).Msg("failed to store unreadable resource")
					unwritten = append(unwritten, unreadable.Key())
				}
				continue
			}
			if !o.cfg.Filter.ShouldKeep(r) {
				continue
			}
			if err := o.upsert(writeCtx, r, runID); err != nil {
				fail(err)
				unwritten = append(unwritten, r.Key())
				continue
			}
			stats.Succeeded++
		}
	}

	o.metrics.recordTask(ctx, provider, typ, stats.Succeeded, time.Since(started))
	logger.Info().
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Bool("complete", stats.Complete).
		Dur("duration", time.Since(started)).
		Msg("resource type scanned")
	return stats, unwritten
}

func regionLabel(region string) string {
	if region == "" {
		return "(global)"
	}
	return region
}

// upsert writes an observed resource, keeping its identity and bumping
// its version. A concurrent writer causes a re-read and retry.
func (o *Orchestrator) upsert(ctx context.Context, r resource.Resource, runID string) error {
	key := r.Key()
	r.LastRunID = runID
	r.StaleSince = nil

	for range maxUpsertAttempts {
		var expected int64
		cur, err := o.store.GetResource(ctx, key)
		switch {
		case err == nil:
			expected = cur.Version
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("read %s: %w", key, err)
		}

		r.Version = expected
		_, err = o.store.PutResource(ctx, r, expected)
		if err == nil {
			if expected > 0 {
				o.emitDrift(ctx, cur, r)
			}
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("write %s: %w", key, err)
		}
		log.Debug().Str("resource_id", key).Msg("concurrent write, retrying upsert")
	}
	return fmt.Errorf("write %s: %w after %d attempts", key, store.ErrConflict, maxUpsertAttempts)
}

func (o *Orchestrator) emitDrift(ctx context.Context, prev, curr resource.Resource) {
	if o.cfg.Emitter == nil {
		return
	}
	// An unreadable tag set is not a change.
	if curr.FetchError != "" {
		return
	}
	d, ok := emitter.DriftOf(prev, curr, curr.LastRunID)
	if !ok {
		return
	}
	if err := o.cfg.Emitter.Emit(ctx, d); err != nil {
		log.Warn().Err(err).Str("resource_id", d.ResourceID).Msg("failed to emit tag drift")
	}
}

// markStale flags resources of the given types that the run did not see.
// Keys in seen were listed but not written and are left alone.
func (o *Orchestrator) markStale(ctx context.Context, provider string, types []string, runID string, seen map[string]bool) (int, error) {
	resources, err := o.store.ListResources(ctx, store.ResourceFilter{Provider: provider})
	if err != nil {
		return 0, fmt.Errorf("list %s resources: %w", provider, err)
	}

	now := o.now().UTC()
	marked := 0
	for _, r := range resources {
		if r.LastRunID == runID || seen[r.Key()] || !slices.Contains(types, r.Type) {
			continue
		}
		r.StaleSince = &now
		if _, err := o.store.PutResource(ctx, r, r.Version); err != nil {
			// A concurrent writer saw it more recently; leave it alone.
			log.Debug().Err(err).Str("resource_id", r.Key()).Msg("skip stale marking")
			continue
		}
		marked++
	}
	if marked > 0 {
		log.Info().Str("provider", provider).Int("count", marked).Msg("resources marked stale")
	}
	return marked, nil
}

// PurgeStale deletes resources stale for longer than the grace period,
// across all providers.
func (o *Orchestrator) PurgeStale(ctx context.Context) (int, error) {
	return o.purgeProvider(ctx, "")
}

func (o *Orchestrator) purgeProvider(ctx context.Context, provider string) (int, error) {
	if o.cfg.StaleGrace <= 0 {
		return 0, nil
	}
	resources, err := o.store.ListResources(ctx, store.ResourceFilter{Provider: provider, IncludeStale: true})
	if err != nil {
		return 0, fmt.Errorf("list stale resources: %w", err)
	}

	cutoff := o.now().UTC().Add(-o.cfg.StaleGrace)
	var (
		purged int
		errs   []error
	)
	for _, r := range resources {
		if !r.Stale() || r.StaleSince.After(cutoff) {
			continue
		}
		if err := o.purge(ctx, r.Key()); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		log.Info().Str("provider", provider).Int("count", purged).Msg("stale resources purged")
	}
	return purged, errors.Join(errs...)
}

func (o *Orchestrator) purge(ctx context.Context, key string) error {
	if o.cfg.OnPurge != nil {
		if err := o.cfg.OnPurge(ctx, key); err != nil {
			return fmt.Errorf("purge %s: %w", key, err)
		}
	}
	if err := o.store.DeleteCompliance(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("purge %s compliance: %w", key, err)
	}
	if err := o.store.DeleteResource(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}
