package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/internal/store/bolt"
	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type condFunc func(ctx context.Context, r resource.Resource) (bool, error)

func (f condFunc) Matches(ctx context.Context, r resource.Resource) (bool, error) { return f(ctx, r) }

func strPtr(s string) *string { return &s }

func snapshot(ps ...policy.Compiled) *policy.Snapshot {
	return policy.NewSnapshot(3, at, ps)
}

func compiled(p policy.Policy) policy.Compiled {
	p.Active = true
	return policy.Compiled{Policy: p}
}

func ec2(tags map[string]string) resource.Resource {
	return resource.Resource{
		Provider: "aws",
		NativeID: "i-1",
		Type:     "ec2",
		Region:   "us-east-1",
		Tags:     tags,
		KeyMode:  resource.KeyExact,
		Version:  4,
	}
}

func TestEvaluate_Compliant(t *testing.T) {
	snap := snapshot(compiled(policy.Policy{
		ID: "env", Name: "Env",
		RequiredTags: []policy.TagRule{{Name: "env", AllowedValues: []string{"prod", "dev"}}},
	}))

	rec := Evaluate(context.Background(), ec2(map[string]string{"env": "prod"}), snap, at)

	assert.Equal(t, compliance.StatusCompliant, rec.Status)
	assert.Empty(t, rec.Violations)
	assert.Equal(t, []string{"env"}, rec.PolicyIDs)
	assert.Equal(t, "aws:i-1", rec.ResourceID)
	assert.Equal(t, int64(3), rec.SnapshotVer)
	assert.Equal(t, int64(4), rec.ResourceVer)
	assert.Equal(t, at, rec.EvaluatedAt)
}

func TestEvaluate_MissingAndInvalid(t *testing.T) {
	snap := snapshot(compiled(policy.Policy{
		ID: "p1", Name: "Basics",
		RequiredTags: []policy.TagRule{
			{Name: "owner"},
			{Name: "env", AllowedValues: []string{"prod", "dev"}, DefaultValue: strPtr("dev")},
		},
	}))

	rec := Evaluate(context.Background(), ec2(map[string]string{"env": "qa"}), snap, at)

	require.Equal(t, compliance.StatusNonCompliant, rec.Status)
	require.Len(t, rec.Violations, 2)
	assert.Equal(t, compliance.Violation{
		TagName: "owner", Reason: compliance.ReasonMissing, PolicyID: "p1", PolicyName: "Basics",
	}, rec.Violations[0])
	assert.Equal(t, compliance.Violation{
		TagName: "env", Reason: compliance.ReasonInvalidValue, PolicyID: "p1", PolicyName: "Basics",
		CurrentValue: "qa", SuggestedValue: "dev", AutoRemediable: true,
	}, rec.Violations[1])
}

func TestEvaluate_DefaultStillViolates(t *testing.T) {
	snap := snapshot(compiled(policy.Policy{
		ID: "p", Name: "P",
		RequiredTags: []policy.TagRule{{Name: "env", DefaultValue: strPtr("dev")}},
	}))

	rec := Evaluate(context.Background(), ec2(nil), snap, at)

	assert.Equal(t, compliance.StatusNonCompliant, rec.Status)
	assert.Len(t, rec.Remediable(), 1)
}

func TestEvaluate_Scope(t *testing.T) {
	snap := snapshot(
		compiled(policy.Policy{ID: "azure-only", CloudProviders: []string{"azure"}, RequiredTags: []policy.TagRule{{Name: "a"}}}),
		compiled(policy.Policy{ID: "rds-only", ResourceTypes: []string{"rds"}, RequiredTags: []policy.TagRule{{Name: "b"}}}),
	)

	rec := Evaluate(context.Background(), ec2(nil), snap, at)

	assert.Equal(t, compliance.StatusUnknown, rec.Status)
	assert.Equal(t, "no matching policies", rec.Reason)
}

func TestEvaluate_InactivePolicyIgnored(t *testing.T) {
	p := compiled(policy.Policy{ID: "p", RequiredTags: []policy.TagRule{{Name: "a"}}})
	p.Active = false

	rec := Evaluate(context.Background(), ec2(nil), snapshot(p), at)

	assert.Equal(t, compliance.StatusUnknown, rec.Status)
}

func TestEvaluate_FetchErrorIsUnknown(t *testing.T) {
	snap := snapshot(compiled(policy.Policy{ID: "p", RequiredTags: []policy.TagRule{{Name: "a"}}}))
	r := ec2(nil)
	r.FetchError = "AccessDenied"

	rec := Evaluate(context.Background(), r, snap, at)

	assert.Equal(t, compliance.StatusUnknown, rec.Status)
	assert.Contains(t, rec.Reason, "AccessDenied")
	assert.Empty(t, rec.Violations)
}

func TestEvaluate_FoldedKeys(t *testing.T) {
	snap := snapshot(compiled(policy.Policy{ID: "p", RequiredTags: []policy.TagRule{{Name: "CostCenter", DefaultValue: strPtr("none")}}}))
	r := resource.Resource{Provider: "azure", NativeID: "/subs/x/vm1", Type: "vm", KeyMode: resource.KeyFold,
		Tags: map[string]string{"costcenter": "42"}}

	assert.Equal(t, compliance.StatusCompliant, Evaluate(context.Background(), r, snap, at).Status)

	r.Tags = map[string]string{}
	rec := Evaluate(context.Background(), r, snap, at)
	require.Len(t, rec.Violations, 1)
	assert.Equal(t, "costcenter", rec.Violations[0].TagName)
}

func TestEvaluate_Condition(t *testing.T) {
	onlyProd := condFunc(func(_ context.Context, r resource.Resource) (bool, error) {
		return r.Tags["env"] == "prod", nil
	})
	p := compiled(policy.Policy{ID: "p", RequiredTags: []policy.TagRule{{Name: "owner"}}})
	p.Condition = onlyProd
	snap := snapshot(p)

	assert.Equal(t, compliance.StatusUnknown, Evaluate(context.Background(), ec2(map[string]string{"env": "dev"}), snap, at).Status)
	assert.Equal(t, compliance.StatusNonCompliant, Evaluate(context.Background(), ec2(map[string]string{"env": "prod"}), snap, at).Status)
}

func TestEvaluate_ConditionErrorIsUnknown(t *testing.T) {
	ok := compiled(policy.Policy{ID: "a", RequiredTags: []policy.TagRule{{Name: "owner"}}})
	broken := compiled(policy.Policy{ID: "b", RequiredTags: []policy.TagRule{{Name: "env"}}})
	broken.Condition = condFunc(func(context.Context, resource.Resource) (bool, error) {
		return false, errors.New("eval exploded")
	})

	rec := Evaluate(context.Background(), ec2(nil), snapshot(ok, broken), at)

	assert.Equal(t, compliance.StatusUnknown, rec.Status)
	assert.Equal(t, "eval exploded", rec.Reason)
	assert.Empty(t, rec.Violations)
}

func TestEvaluate_DeterministicAcrossPolicies(t *testing.T) {
	snap := snapshot(
		compiled(policy.Policy{ID: "z", RequiredTags: []policy.TagRule{{Name: "env", DefaultValue: strPtr("z-default")}}}),
		compiled(policy.Policy{ID: "a", RequiredTags: []policy.TagRule{{Name: "owner"}, {Name: "env", DefaultValue: strPtr("a-default")}}}),
	)
	r := ec2(nil)

	first := Evaluate(context.Background(), r, snap, at)
	second := Evaluate(context.Background(), r, snap, at)

	assert.Equal(t, first, second)
	require.Len(t, first.Violations, 3)
	assert.Equal(t, []string{"a", "z"}, first.PolicyIDs)
	assert.Equal(t, "owner", first.Violations[0].TagName)
	assert.Equal(t, map[string]string{"env": "a-default"}, ProposedChanges(first.Violations))
}

func TestExempt(t *testing.T) {
	rec := compliance.Record{ResourceID: "aws:i-1", Status: compliance.StatusNonCompliant}

	_, err := Exempt(rec, "", "why", at)
	require.Error(t, err)

	out, err := Exempt(rec, "alice", "legacy box", at)
	require.NoError(t, err)
	assert.True(t, out.Exempt())
	assert.Equal(t, "alice", out.ExemptedBy)
	assert.Equal(t, "legacy box", out.Reason)
	assert.Equal(t, at, *out.ExemptedAt)
}

func newStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s *bolt.Store, r resource.Resource) resource.Resource {
	t.Helper()
	r.Version = 0
	out, err := s.PutResource(context.Background(), r, 0)
	require.NoError(t, err)
	return out
}

func TestPass_Run(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	compliant := put(t, s, resource.Resource{Provider: "aws", NativeID: "i-ok", Type: "ec2", Tags: map[string]string{"env": "prod"}})
	broken := put(t, s, resource.Resource{Provider: "aws", NativeID: "i-bad", Type: "ec2"})
	exempt := put(t, s, resource.Resource{Provider: "aws", NativeID: "i-ex", Type: "ec2"})
	stale := resource.Resource{Provider: "aws", NativeID: "i-gone", Type: "ec2", StaleSince: &at}
	put(t, s, stale)

	exRec, err := Exempt(compliance.Record{ResourceID: exempt.Key(), Provider: "aws"}, "bob", "legacy", at)
	require.NoError(t, err)
	require.NoError(t, s.PutCompliance(ctx, exRec))

	snap := snapshot(compiled(policy.Policy{ID: "env", RequiredTags: []policy.TagRule{{Name: "env", DefaultValue: strPtr("dev")}}}))

	var remediable []string
	pass, err := NewPass(s, 2)
	require.NoError(t, err)
	summary, err := pass.Run(ctx, snap, at, func(_ context.Context, r resource.Resource, rec compliance.Record) (bool, error) {
		remediable = append(remediable, r.Key())
		return true, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalResources)
	assert.Equal(t, 1, summary.Compliant)
	assert.Equal(t, 1, summary.NonCompliant)
	assert.Equal(t, 1, summary.Exempt)
	assert.Equal(t, 1, summary.WorkflowsOpened)
	assert.Equal(t, 50.0, summary.ComplianceRate)
	assert.Equal(t, []string{broken.Key()}, remediable)

	got, err := s.GetCompliance(ctx, compliant.Key())
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompliant, got.Status)

	got, err = s.GetCompliance(ctx, exempt.Key())
	require.NoError(t, err)
	assert.Equal(t, exRec, got, "exemptions are never overwritten")

	_, err = s.GetCompliance(ctx, stale.Key())
	assert.ErrorIs(t, err, store.ErrNotFound)

	cached, err := s.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary, cached)
}

func TestPass_EmptyStore(t *testing.T) {
	pass, err := NewPass(newStore(t), 0)
	require.NoError(t, err)

	summary, err := pass.Run(context.Background(), snapshot(), at, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalResources)
	assert.Equal(t, 0.0, summary.ComplianceRate)
}

func TestPass_Cancelled(t *testing.T) {
	s := newStore(t)
	put(t, s, resource.Resource{Provider: "aws", NativeID: "i-1", Type: "ec2"})
	pass, err := NewPass(s, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pass.Run(ctx, snapshot(), at, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// failingComplianceStore fails compliance writes for one key.
type failingComplianceStore struct {
	Store
	key string
}

func (f *failingComplianceStore) PutCompliance(ctx context.Context, rec compliance.Record) error {
	if rec.ResourceID == f.key {
		return errors.New("disk full")
	}
	return f.Store.PutCompliance(ctx, rec)
}

func TestPass_StoreErrorCountsAsUnknown(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, resource.Resource{Provider: "aws", NativeID: "i-ok", Type: "ec2", Tags: map[string]string{"env": "prod"}})
	put(t, s, resource.Resource{Provider: "aws", NativeID: "i-err", Type: "ec2", Tags: map[string]string{"env": "prod"}})

	pass, err := NewPass(&failingComplianceStore{Store: s, key: "aws:i-err"}, 1)
	require.NoError(t, err)
	snap := snapshot(compiled(policy.Policy{ID: "env", RequiredTags: []policy.TagRule{{Name: "env"}}}))

	summary, err := pass.Run(ctx, snap, at, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalResources)
	assert.Equal(t, 1, summary.Compliant)
	assert.Equal(t, 1, summary.Unknown)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 50.0, summary.ComplianceRate, "the failed resource stays in the denominator")
}
