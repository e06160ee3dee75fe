package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/policy"
)

// ListPolicies returns policies ordered by id.
func (s *Store) ListPolicies(ctx context.Context, activeOnly bool) ([]policy.Policy, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var out []policy.Policy
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx.Bucket(bucketPolicies), func(p policy.Policy) error {
			if !activeOnly || p.Active {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}

// GetPolicy returns a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (policy.Policy, error) {
	if err := checkCtx(ctx); err != nil {
		return policy.Policy{}, err
	}
	var p policy.Policy
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketPolicies), id, &p)
	})
	if err != nil {
		return policy.Policy{}, fmt.Errorf("get policy %s: %w", id, err)
	}
	return p, nil
}

// PutPolicies creates or replaces policies in one transaction and
// notifies subscribers.
func (s *Store) PutPolicies(ctx context.Context, policies ...policy.Policy) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		for _, p := range policies {
			if p.ID == "" {
				return fmt.Errorf("policy %q has no id", p.Name)
			}
			if err := put(b, p.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put policies: %w", err)
	}
	s.notifyPolicies()
	return nil
}

// DeletePolicy removes a policy and notifies subscribers.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		if b.Get([]byte(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	s.notifyPolicies()
	return nil
}

// SubscribePolicies returns a channel signalled after each policy change.
// Signals coalesce: a slow reader sees at least one signal per burst.
func (s *Store) SubscribePolicies() (<-chan struct{}, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.next
	s.next++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Store) notifyPolicies() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
