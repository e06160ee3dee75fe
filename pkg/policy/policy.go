// Package policy defines tagging policies and the immutable snapshot an
// evaluation pass runs against.
package policy

import (
	"context"
	"slices"
	"time"

	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Policy is a named set of required tag rules scoped to resource types and providers.
// An empty ResourceTypes or CloudProviders set applies to every type or provider.
type Policy struct {
	ID             string    `json:"id" yaml:"id" validate:"required"`
	Name           string    `json:"name" yaml:"name" validate:"required"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	Active         bool      `json:"active" yaml:"active"`
	RequiredTags   []TagRule `json:"required_tags" yaml:"required_tags" validate:"required,min=1,dive"`
	ResourceTypes  []string  `json:"resource_types,omitempty" yaml:"resource_types,omitempty" validate:"dive,required"`
	CloudProviders []string  `json:"cloud_providers,omitempty" yaml:"cloud_providers,omitempty" validate:"dive,oneof=aws azure gcp"`
	Condition      string    `json:"condition,omitempty" yaml:"condition,omitempty"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// TagRule is a single required-tag constraint.
type TagRule struct {
	Name          string   `json:"name" yaml:"name" validate:"required"`
	AllowedValues []string `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
	DefaultValue  *string  `json:"default_value,omitempty" yaml:"default_value,omitempty"`
}

// Allows reports whether value satisfies the rule's allowed set.
func (r TagRule) Allows(value string) bool {
	return len(r.AllowedValues) == 0 || slices.Contains(r.AllowedValues, value)
}

// Applies reports whether the policy is active and scoped to the provider and type.
func (p Policy) Applies(provider, resourceType string) bool {
	if !p.Active {
		return false
	}
	if len(p.ResourceTypes) > 0 && !slices.Contains(p.ResourceTypes, resourceType) {
		return false
	}
	if len(p.CloudProviders) > 0 && !slices.Contains(p.CloudProviders, provider) {
		return false
	}
	return true
}

// Condition narrows a policy to resources for which it returns true.
type Condition interface {
	Matches(ctx context.Context, r resource.Resource) (bool, error)
}

// Compiled is a policy with its condition prepared for evaluation.
// Condition is nil when the policy has none.
type Compiled struct {
	Policy
	Condition Condition
}

// Snapshot is an immutable set of active policies, ordered by id.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	policies []Compiled
}

// NewSnapshot builds a snapshot. The slice is sorted by policy id and
// must not be modified afterwards.
func NewSnapshot(version int64, loadedAt time.Time, policies []Compiled) *Snapshot {
	sorted := slices.Clone(policies)
	slices.SortFunc(sorted, func(a, b Compiled) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return &Snapshot{version: version, loadedAt: loadedAt, policies: sorted}
}

// Version returns the snapshot generation.
func (s *Snapshot) Version() int64 {
	if s == nil {
		return 0
	}
	return s.version
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Policies returns the policies in the snapshot.
func (s *Snapshot) Policies() []Compiled {
	if s == nil {
		return nil
	}
	return s.policies
}

// Len returns the number of policies.
func (s *Snapshot) Len() int { return len(s.Policies()) }
