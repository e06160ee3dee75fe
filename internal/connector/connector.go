// Package connector defines the contract every cloud provider adapter
// implements: lazy listing of native records and tag application.
package connector

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/yairfalse/tagwarden/pkg/native"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Ref addresses one resource at its provider.
type Ref struct {
	NativeID     string
	ResourceType string
	Region       string
}

// RefOf builds the Ref of a canonical resource.
func RefOf(r resource.Resource) Ref {
	return Ref{NativeID: r.NativeID, ResourceType: r.Type, Region: r.Region}
}

// TagFailure is a tag key the provider did not accept.
type TagFailure struct {
	Key string
	Err error
}

// ApplyResult reports the outcome of ApplyTags per key.
type ApplyResult struct {
	Applied []string
	Failed  []TagFailure
}

// FailedKeys returns the keys that were not applied.
func (r ApplyResult) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		keys = append(keys, f.Key)
	}
	return keys
}

// FailAll marks every key in changes as failed with err.
func FailAll(changes map[string]string, err error) ApplyResult {
	res := ApplyResult{}
	for _, k := range sortedKeys(changes) {
		res.Failed = append(res.Failed, TagFailure{Key: k, Err: err})
	}
	return res
}

// AllApplied marks every key in changes as applied.
func AllApplied(changes map[string]string) ApplyResult {
	return ApplyResult{Applied: sortedKeys(changes)}
}

// Connector is implemented once per cloud vendor.
type Connector interface {
	// Provider returns the provider identifier (e.g., "aws", "azure", "gcp").
	Provider() string

	// KeyMode returns how the provider compares tag keys.
	KeyMode() resource.KeyMode

	// ResourceTypes returns the canonical resource types the connector lists.
	ResourceTypes() []string

	// Regions returns the regions to list for a type. "" means one global listing.
	Regions(resourceType string) []string

	// List lazily yields native records. Pages are fetched on demand and a
	// failed page fetch is retried from the same cursor. The sequence ends
	// after yielding a non-nil error.
	List(ctx context.Context, resourceType, region string) iter.Seq2[native.Record, error]

	// ApplyTags merges changes into the resource's tags without touching
	// other keys. Per-key failures are reported in the result; the error is
	// reserved for failures that prevented the call from being attempted.
	ApplyTags(ctx context.Context, ref Ref, changes map[string]string) (ApplyResult, error)

	// FetchTags re-reads the live tags of one resource, keys normalized to
	// the connector's KeyMode.
	FetchTags(ctx context.Context, ref Ref) (map[string]string, error)
}

// Registry holds the connectors of one process.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry(cs ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range cs {
		r.Register(c)
	}
	return r
}

// Register adds a connector, replacing any with the same provider.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Provider()] = c
}

// Get returns a connector by provider.
func (r *Registry) Get(provider string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[provider]
	return c, ok
}

// All returns all connectors ordered by provider.
func (r *Registry) All() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.connectors))
	for _, name := range r.namesLocked() {
		out = append(out, r.connectors[name])
	}
	return out
}

// Names returns all registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Clear removes all connectors.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors = make(map[string]Connector)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
