// Package resource defines the canonical resource model for tagwarden.
package resource

import (
	"strings"
	"time"
)

// KeyMode describes how a provider compares tag keys.
type KeyMode string

const (
	// KeyExact compares tag keys byte for byte (AWS).
	KeyExact KeyMode = "exact"
	// KeyFold compares tag keys case-insensitively (Azure, GCP).
	// Keys stored on a KeyFold resource are already lower-cased.
	KeyFold KeyMode = "fold"
)

// Resource represents a cloud resource in provider-agnostic form.
// Identity is (Provider, NativeID).
type Resource struct {
	Provider      string            `json:"provider"`              // Cloud provider (e.g., "aws", "azure", "gcp")
	NativeID      string            `json:"native_id"`             // Provider identifier (ARN, ARM id, self link)
	Type          string            `json:"type"`                  // Resource type (e.g., "ec2", "vm")
	Region        string            `json:"region"`                // Region, empty for global resources
	Name          string            `json:"name"`                  // Human-readable name
	Tags          map[string]string `json:"tags"`                  // Normalized tags
	KeyMode       KeyMode           `json:"key_mode"`              // Tag key comparison semantics
	Metadata      map[string]string `json:"metadata,omitempty"`    // Opaque provider attributes
	LastScannedAt time.Time         `json:"last_scanned_at"`       // When this was last observed
	LastRunID     string            `json:"last_run_id"`           // Scan run that last observed it
	FetchError    string            `json:"fetch_error,omitempty"` // Tag data could not be fetched
	StaleSince    *time.Time        `json:"stale_since,omitempty"` // Set when absent from a full scan
	Version       int64             `json:"version"`               // Optimistic concurrency version
}

// Key returns the identity key of a resource.
func Key(provider, nativeID string) string {
	return provider + ":" + nativeID
}

// Key returns the identity key of r.
func (r Resource) Key() string {
	return Key(r.Provider, r.NativeID)
}

// Stale reports whether the resource was absent from its provider's last full scan.
func (r Resource) Stale() bool {
	return r.StaleSince != nil
}

// NormalizeKey maps a tag key into the resource's key space.
func (r Resource) NormalizeKey(key string) string {
	return NormalizeKey(r.KeyMode, key)
}

// Tag looks up a tag honoring the resource's key semantics.
func (r Resource) Tag(key string) (string, bool) {
	v, ok := r.Tags[r.NormalizeKey(key)]
	return v, ok
}

// NormalizeKey maps key into the key space of mode.
func NormalizeKey(mode KeyMode, key string) string {
	if mode == KeyFold {
		return strings.ToLower(key)
	}
	return key
}

// Clone returns a deep copy of r.
func (r Resource) Clone() Resource {
	out := r
	out.Tags = cloneMap(r.Tags)
	out.Metadata = cloneMap(r.Metadata)
	if r.StaleSince != nil {
		t := *r.StaleSince
		out.StaleSince = &t
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
