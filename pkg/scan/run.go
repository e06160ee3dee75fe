// Package scan defines scan run audit records.
package scan

import (
	"slices"
	"time"
)

// Status is the state of a scan run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
)

// TypeStats counts the outcome of one (provider, resource type) task.
type TypeStats struct {
	Provider     string   `json:"provider"`
	ResourceType string   `json:"resource_type"`
	Succeeded    int      `json:"succeeded"`
	Failed       int      `json:"failed"`
	Errors       []string `json:"errors,omitempty"`
	Complete     bool     `json:"complete"`
}

// Run is the append-only audit record of one scan.
type Run struct {
	ID         string      `json:"id"`
	Providers  []string    `json:"providers"`
	Status     Status      `json:"status"`
	Cancelled  bool        `json:"cancelled"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Stats      []TypeStats `json:"stats"`
	Staled     int         `json:"staled"`
	Purged     int         `json:"purged"`
}

// Finished reports whether the run has ended.
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// Totals returns the succeeded and failed counts across all tasks.
func (r *Run) Totals() (succeeded, failed int) {
	for _, s := range r.Stats {
		succeeded += s.Succeeded
		failed += s.Failed
	}
	return succeeded, failed
}

// ProviderStats returns the stats of one provider.
func (r *Run) ProviderStats(provider string) []TypeStats {
	var out []TypeStats
	for _, s := range r.Stats {
		if s.Provider == provider {
			out = append(out, s)
		}
	}
	return out
}

// ProviderComplete reports whether every task of provider listed to the
// end. Per-record failures do not count against it: the listing still saw
// those resources. Only complete providers get stale marking.
func (r *Run) ProviderComplete(provider string) bool {
	stats := r.ProviderStats(provider)
	if len(stats) == 0 || r.Cancelled {
		return false
	}
	return !slices.ContainsFunc(stats, func(s TypeStats) bool {
		return !s.Complete
	})
}
