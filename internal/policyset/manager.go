package policyset

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/policy"
)

// Build compiles the active policies into a snapshot.
func Build(ctx context.Context, version int64, at time.Time, policies []policy.Policy) (*policy.Snapshot, error) {
	compiled := make([]policy.Compiled, 0, len(policies))
	for _, p := range policies {
		if !p.Active {
			continue
		}
		cond, err := CompileCondition(ctx, p.ID, p.Condition)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, policy.Compiled{Policy: p, Condition: cond})
	}
	return policy.NewSnapshot(version, at, compiled), nil
}

// Manager owns the current policy snapshot. Readers get an immutable
// snapshot; Reload swaps in a new one atomically.
type Manager struct {
	store   store.PolicyStore
	current atomic.Pointer[policy.Snapshot]
	version atomic.Int64
	mu      sync.Mutex // serializes reloads
	now     func() time.Time
}

// NewManager creates a manager holding an empty snapshot.
func NewManager(ps store.PolicyStore) *Manager {
	m := &Manager{store: ps, now: time.Now}
	m.current.Store(policy.NewSnapshot(0, time.Time{}, nil))
	return m
}

// Current returns the active snapshot.
func (m *Manager) Current() *policy.Snapshot {
	return m.current.Load()
}

// Reload builds a snapshot from the store and makes it current. On error
// the previous snapshot stays active.
func (m *Manager) Reload(ctx context.Context) (*policy.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policies, err := m.store.ListPolicies(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	snap, err := Build(ctx, m.version.Load()+1, m.now().UTC(), policies)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	m.version.Store(snap.Version())
	m.current.Store(snap)
	log.Info().Int64("version", snap.Version()).Int("policies", snap.Len()).Msg("policy snapshot loaded")
	return snap, nil
}

// Watch reloads the snapshot whenever the store reports a policy change,
// until ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	changes, cancel := m.store.SubscribePolicies()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if _, err := m.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("policy reload failed, keeping previous snapshot")
			}
		}
	}
}
