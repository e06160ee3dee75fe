// Package emitter publishes tag drift: tag changes a scan observes on a
// resource that was already in the inventory.
package emitter

import (
	"context"
	"time"

	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Drift is the tag change of one resource between two scans.
type Drift struct {
	ResourceID   string
	Provider     string
	ResourceType string
	Region       string
	RunID        string
	ObservedAt   time.Time
	Changes      []resource.TagChange
}

// DriftOf compares the stored and the observed resource. It returns false
// when the tags are equal in the resource's key space.
func DriftOf(prev, curr resource.Resource, runID string) (Drift, bool) {
	changes := resource.DiffTags(curr.KeyMode, prev.Tags, curr.Tags)
	if len(changes) == 0 {
		return Drift{}, false
	}
	return Drift{
		ResourceID:   curr.Key(),
		Provider:     curr.Provider,
		ResourceType: curr.Type,
		Region:       curr.Region,
		RunID:        runID,
		ObservedAt:   curr.LastScannedAt,
		Changes:      changes,
	}, true
}

// Emitter outputs tag drift to a backend.
type Emitter interface {
	// Emit sends one drift to the backend.
	Emit(ctx context.Context, d Drift) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, d Drift) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}
