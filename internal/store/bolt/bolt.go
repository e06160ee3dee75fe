// Package bolt implements store.Store on an embedded bbolt database with an
// in-memory btree index over resources.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketResources     = []byte("resources")
	bucketPolicies      = []byte("policies")
	bucketCompliance    = []byte("compliance")
	bucketWorkflows     = []byte("workflows")
	bucketOpenWorkflows = []byte("open_workflows")
	bucketScanRuns      = []byte("scan_runs")
	bucketMeta          = []byte("meta")
)

var keySummary = []byte("summary")

// DBFile is the database file name inside the store directory.
const DBFile = "tagwarden.db"

// Store is a bbolt-backed store.Store.
type Store struct {
	mu sync.RWMutex

	// In-memory index of resources, ordered by resource key
	index *btree.BTreeG[*entry]

	db  *bbolt.DB
	dir string

	subMu sync.Mutex
	subs  map[int]chan struct{}
	next  int
}

// entry tracks a resource in the index.
type entry struct {
	Key      string
	Provider string
	Type     string
	Stale    bool
	Version  int64
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, DBFile), 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketResources, bucketPolicies, bucketCompliance,
			bucketWorkflows, bucketOpenWorkflows, bucketScanRuns, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{
		index: btree.NewG[*entry](32, func(a, b *entry) bool {
			return a.Key < b.Key
		}),
		db:   db,
		dir:  dir,
		subs: make(map[int]chan struct{}),
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	log.Debug().Str("path", db.Path()).Int("resources", s.index.Len()).Msg("store opened")
	return s, nil
}

// Close closes the database and ends all policy subscriptions.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

// Stats returns the number of indexed resources and the database size.
func (s *Store) Stats() (resources int, sizeBytes int64) {
	s.mu.RLock()
	resources = s.index.Len()
	s.mu.RUnlock()

	_ = s.db.View(func(tx *bbolt.Tx) error {
		sizeBytes = tx.Size()
		return nil
	})
	return resources, sizeBytes
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(_, v []byte) error {
			var r resource.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			s.index.ReplaceOrInsert(entryOf(r))
			return nil
		})
	})
}

func entryOf(r resource.Resource) *entry {
	return &entry{
		Key:      r.Key(),
		Provider: r.Provider,
		Type:     r.Type,
		Stale:    r.Stale(),
		Version:  r.Version,
	}
}

func put(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func get(b *bbolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func forEach[T any](b *bbolt.Bucket, fn func(T) error) error {
	return b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshal %s: %w", k, err)
		}
		return fn(item)
	})
}

var _ store.Store = (*Store)(nil)

func checkCtx(ctx context.Context) error {
	return ctx.Err()
}
