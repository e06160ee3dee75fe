// Package filter decides which resource types are listed and which
// resources a scan keeps.
package filter

import (
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Filter controls which resource types to scan and which resources to keep.
// Excluded types match either a bare type ("ec2") or a provider-qualified
// one ("aws/ec2").
type Filter struct {
	excludeTypes map[string]bool
	includeTags  map[string]string
	excludeTags  map[string]string
}

// New creates a new Filter from the provided configuration.
func New(excludeTypes []string, includeTags, excludeTags map[string]string) *Filter {
	excludeMap := make(map[string]bool, len(excludeTypes))
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes: excludeMap,
		includeTags:  includeTags,
		excludeTags:  excludeTags,
	}
}

// ShouldScanType returns true if the provider's resource type should be listed.
func (f *Filter) ShouldScanType(provider, typ string) bool {
	if f == nil {
		return true
	}
	return !f.excludeTypes[typ] && !f.excludeTypes[provider+"/"+typ]
}

// ShouldKeep returns true if the resource passes the tag filters. Tag keys
// are compared with the resource's key semantics.
func (f *Filter) ShouldKeep(r resource.Resource) bool {
	if f == nil {
		return true
	}

	// Include tags: all must match.
	for k, want := range f.includeTags {
		if v, ok := r.Tag(k); !ok || v != want {
			return false
		}
	}

	// Exclude tags: any match drops the resource.
	for k, want := range f.excludeTags {
		if v, ok := r.Tag(k); ok && v == want {
			return false
		}
	}

	return true
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.excludeTypes) == 0 && len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
