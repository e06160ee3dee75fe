package bolt

import (
	"context"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// GetResource returns a resource by key.
func (s *Store) GetResource(ctx context.Context, key string) (resource.Resource, error) {
	if err := checkCtx(ctx); err != nil {
		return resource.Resource{}, err
	}
	var r resource.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketResources), key, &r)
	})
	if err != nil {
		return resource.Resource{}, fmt.Errorf("get resource %s: %w", key, err)
	}
	return r, nil
}

// ListResources returns resources matching f, ordered by key.
func (s *Store) ListResources(ctx context.Context, f store.ResourceFilter) ([]resource.Resource, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var keys []string
	s.index.Ascend(func(e *entry) bool {
		if (f.Provider == "" || e.Provider == f.Provider) &&
			(f.Type == "" || e.Type == f.Type) &&
			(f.IncludeStale || !e.Stale) {
			keys = append(keys, e.Key)
		}
		return true
	})
	s.mu.RUnlock()

	out := make([]resource.Resource, 0, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResources)
		for _, k := range keys {
			var r resource.Resource
			if err := get(b, k, &r); err != nil {
				// Deleted between the index read and this transaction.
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return out, nil
}

// PutResource writes r if the stored version equals expectedVersion.
func (s *Store) PutResource(ctx context.Context, r resource.Resource, expectedVersion int64) (resource.Resource, error) {
	if err := checkCtx(ctx); err != nil {
		return resource.Resource{}, err
	}
	key := r.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResources)

		var existing resource.Resource
		if err := get(b, key, &existing); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		current := existing.Version
		if current != expectedVersion {
			return fmt.Errorf("%w: stored version %d, expected %d", store.ErrConflict, current, expectedVersion)
		}

		r.Version = current + 1
		return put(b, key, r)
	})
	if err != nil {
		return resource.Resource{}, fmt.Errorf("put resource %s: %w", key, err)
	}

	s.index.ReplaceOrInsert(entryOf(r))
	return r, nil
}

// DeleteResource removes a resource. Deleting a missing resource is not an error.
func (s *Store) DeleteResource(ctx context.Context, key string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete resource %s: %w", key, err)
	}
	s.index.Delete(&entry{Key: key})
	return nil
}
