package bolt

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/scan"
)

// CreateScanRun stores a new scan run.
func (s *Store) CreateScanRun(ctx context.Context, run scan.Run) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketScanRuns)
		if b.Get([]byte(run.ID)) != nil {
			return fmt.Errorf("scan run %s already exists", run.ID)
		}
		return put(b, run.ID, run)
	})
	if err != nil {
		return fmt.Errorf("create scan run: %w", err)
	}
	return nil
}

// UpdateScanRun replaces a running scan run. Finished runs are append-only
// audit records and cannot change.
func (s *Store) UpdateScanRun(ctx context.Context, run scan.Run) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketScanRuns)
		var stored scan.Run
		if err := get(b, run.ID, &stored); err != nil {
			return err
		}
		if stored.Finished() {
			return store.ErrImmutable
		}
		return put(b, run.ID, run)
	})
	if err != nil {
		return fmt.Errorf("update scan run %s: %w", run.ID, err)
	}
	return nil
}

// GetScanRun returns a scan run by id.
func (s *Store) GetScanRun(ctx context.Context, id string) (scan.Run, error) {
	if err := checkCtx(ctx); err != nil {
		return scan.Run{}, err
	}
	var run scan.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketScanRuns), id, &run)
	})
	if err != nil {
		return scan.Run{}, fmt.Errorf("get scan run %s: %w", id, err)
	}
	return run, nil
}

// ListScanRuns returns runs newest first. A non-empty provider keeps only
// runs that covered it.
func (s *Store) ListScanRuns(ctx context.Context, provider string) ([]scan.Run, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var out []scan.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx.Bucket(bucketScanRuns), func(run scan.Run) error {
			if provider == "" || slices.Contains(run.Providers, provider) {
				out = append(out, run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
