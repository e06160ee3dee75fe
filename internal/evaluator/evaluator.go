// Package evaluator computes compliance records from canonical resources
// and a policy snapshot.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Evaluate checks r against every policy in snap that applies to it.
//
// The result depends only on its inputs: policies are visited in id order
// and rules in declaration order, so evaluating the same resource against
// the same snapshot always yields the same record. Stale resources must be
// filtered out by the caller.
func Evaluate(ctx context.Context, r resource.Resource, snap *policy.Snapshot, at time.Time) compliance.Record {
	rec := compliance.Record{
		ResourceID:   r.Key(),
		Provider:     r.Provider,
		ResourceType: r.Type,
		EvaluatedAt:  at,
		SnapshotVer:  snap.Version(),
		ResourceVer:  r.Version,
	}

	if r.FetchError != "" {
		rec.Status = compliance.StatusUnknown
		rec.Reason = "tags could not be fetched: " + r.FetchError
		return rec
	}

	for _, p := range snap.Policies() {
		if !p.Applies(r.Provider, r.Type) {
			continue
		}
		if p.Condition != nil {
			ok, err := p.Condition.Matches(ctx, r)
			if err != nil {
				rec.Status = compliance.StatusUnknown
				rec.Violations = nil
				rec.PolicyIDs = nil
				rec.Reason = err.Error()
				return rec
			}
			if !ok {
				continue
			}
		}

		rec.PolicyIDs = append(rec.PolicyIDs, p.ID)
		rec.Violations = append(rec.Violations, check(r, p.Policy)...)
	}

	switch {
	case len(rec.PolicyIDs) == 0:
		rec.Status = compliance.StatusUnknown
		rec.Reason = "no matching policies"
	case len(rec.Violations) > 0:
		rec.Status = compliance.StatusNonCompliant
	default:
		rec.Status = compliance.StatusCompliant
	}
	return rec
}

func check(r resource.Resource, p policy.Policy) []compliance.Violation {
	var out []compliance.Violation
	for _, rule := range p.RequiredTags {
		v := compliance.Violation{
			TagName:    r.NormalizeKey(rule.Name),
			PolicyID:   p.ID,
			PolicyName: p.Name,
		}

		value, ok := r.Tag(rule.Name)
		switch {
		case !ok:
			v.Reason = compliance.ReasonMissing
		case !rule.Allows(value):
			v.Reason = compliance.ReasonInvalidValue
			v.CurrentValue = value
		default:
			continue
		}

		if rule.DefaultValue != nil {
			v.SuggestedValue = *rule.DefaultValue
			v.AutoRemediable = true
		}
		out = append(out, v)
	}
	return out
}

// ProposedChanges returns the tag changes that would fix the remediable
// violations. When several policies suggest a value for the same key, the
// first one in evaluation order wins.
func ProposedChanges(violations []compliance.Violation) map[string]string {
	changes := make(map[string]string)
	for _, v := range violations {
		if !v.AutoRemediable {
			continue
		}
		if _, taken := changes[v.TagName]; taken {
			continue
		}
		changes[v.TagName] = v.SuggestedValue
	}
	return changes
}

// Exempt turns rec into a standing exemption. Violations found at the time
// are kept for reference.
func Exempt(rec compliance.Record, actor, reason string, at time.Time) (compliance.Record, error) {
	if actor == "" {
		return rec, fmt.Errorf("exempt %s: actor is required", rec.ResourceID)
	}
	rec.Status = compliance.StatusExempt
	rec.Reason = reason
	rec.ExemptedBy = actor
	rec.ExemptedAt = &at
	return rec, nil
}
