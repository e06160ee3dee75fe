package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/compliance"
)

// GetCompliance returns the compliance record of a resource.
func (s *Store) GetCompliance(ctx context.Context, resourceID string) (compliance.Record, error) {
	if err := checkCtx(ctx); err != nil {
		return compliance.Record{}, err
	}
	var rec compliance.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketCompliance), resourceID, &rec)
	})
	if err != nil {
		return compliance.Record{}, fmt.Errorf("get compliance %s: %w", resourceID, err)
	}
	return rec, nil
}

// PutCompliance creates or replaces the record of rec.ResourceID.
func (s *Store) PutCompliance(ctx context.Context, rec compliance.Record) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketCompliance), rec.ResourceID, rec)
	})
	if err != nil {
		return fmt.Errorf("put compliance %s: %w", rec.ResourceID, err)
	}
	return nil
}

// ListCompliance returns records matching f, ordered by resource id.
func (s *Store) ListCompliance(ctx context.Context, f store.ComplianceFilter) ([]compliance.Record, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var out []compliance.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx.Bucket(bucketCompliance), func(rec compliance.Record) error {
			if (f.Status == "" || rec.Status == f.Status) && (f.Provider == "" || rec.Provider == f.Provider) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list compliance: %w", err)
	}
	return out, nil
}

// DeleteCompliance removes the record of a resource, if any.
func (s *Store) DeleteCompliance(ctx context.Context, resourceID string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCompliance).Delete([]byte(resourceID))
	})
	if err != nil {
		return fmt.Errorf("delete compliance %s: %w", resourceID, err)
	}
	return nil
}

// PutSummary stores the latest compliance summary.
func (s *Store) PutSummary(ctx context.Context, sum compliance.Summary) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketMeta), string(keySummary), sum)
	})
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

// GetSummary returns the latest compliance summary.
func (s *Store) GetSummary(ctx context.Context) (compliance.Summary, error) {
	if err := checkCtx(ctx); err != nil {
		return compliance.Summary{}, err
	}
	var sum compliance.Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketMeta), string(keySummary), &sum)
	})
	if err != nil {
		return compliance.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	return sum, nil
}
