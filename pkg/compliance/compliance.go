// Package compliance defines compliance records and summaries.
package compliance

import (
	"math"
	"time"
)

// Status is the compliance status of a resource.
type Status string

const (
	StatusCompliant    Status = "compliant"
	StatusNonCompliant Status = "non_compliant"
	StatusUnknown      Status = "unknown"
	StatusExempt       Status = "exempt"
)

// Reason explains why a tag rule failed.
type Reason string

const (
	ReasonMissing      Reason = "missing"
	ReasonInvalidValue Reason = "invalid_value"
)

// Violation is a single tag rule failure on a resource.
type Violation struct {
	TagName        string `json:"tag_name"`
	Reason         Reason `json:"reason"`
	PolicyID       string `json:"policy_id"`
	PolicyName     string `json:"policy_name"`
	CurrentValue   string `json:"current_value,omitempty"`
	SuggestedValue string `json:"suggested_value,omitempty"`
	AutoRemediable bool   `json:"auto_remediable"`
}

// Record is the compliance state of one resource.
type Record struct {
	ResourceID   string      `json:"resource_id"`
	Provider     string      `json:"provider"`
	ResourceType string      `json:"resource_type"`
	Status       Status      `json:"status"`
	Violations   []Violation `json:"violations,omitempty"`
	PolicyIDs    []string    `json:"policy_ids,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	EvaluatedAt  time.Time   `json:"evaluated_at"`
	SnapshotVer  int64       `json:"snapshot_version"`
	ResourceVer  int64       `json:"resource_version"`
	ExemptedBy   string      `json:"exempted_by,omitempty"`
	ExemptedAt   *time.Time  `json:"exempted_at,omitempty"`
}

// Exempt reports whether the record is a standing exemption.
func (r Record) Exempt() bool {
	return r.Status == StatusExempt
}

// Remediable returns the violations carrying a suggested value.
func (r Record) Remediable() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.AutoRemediable {
			out = append(out, v)
		}
	}
	return out
}

// Summary aggregates compliance across resources.
type Summary struct {
	TotalResources  int       `json:"total_resources"`
	Compliant       int       `json:"compliant"`
	NonCompliant    int       `json:"non_compliant"`
	Unknown         int       `json:"unknown"`
	Exempt          int       `json:"exempt"`
	ComplianceRate  float64   `json:"compliance_rate"`
	Errors          int       `json:"errors"`
	WorkflowsOpened int       `json:"workflows_opened"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// Add counts one record.
func (s *Summary) Add(status Status) {
	s.TotalResources++
	switch status {
	case StatusCompliant:
		s.Compliant++
	case StatusNonCompliant:
		s.NonCompliant++
	case StatusExempt:
		s.Exempt++
	default:
		s.Unknown++
	}
}

// Finalize computes the compliance rate. Exempt resources are excluded
// from the denominator; an empty denominator yields 0.
func (s *Summary) Finalize() {
	s.ComplianceRate = Rate(s.Compliant, s.TotalResources, s.Exempt)
}

// Rate returns compliant / (total - exempt) * 100 rounded to one decimal.
func Rate(compliant, total, exempt int) float64 {
	denom := total - exempt
	if denom <= 0 {
		return 0
	}
	return math.Round(float64(compliant)/float64(denom)*1000) / 10
}
