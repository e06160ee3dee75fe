package remediation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tagwarden/internal/audit"
	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/connector/connectortest"
	"github.com/yairfalse/tagwarden/internal/evaluator"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/internal/store/bolt"
	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
	"github.com/yairfalse/tagwarden/pkg/workflow"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type staticSnapshots struct {
	snap *policy.Snapshot
}

func (s staticSnapshots) Current() *policy.Snapshot { return s.snap }

func strPtr(s string) *string { return &s }

// tagging requires env (default dev) and team (default platform).
func tagging() *policy.Snapshot {
	return policy.NewSnapshot(1, now, []policy.Compiled{{Policy: policy.Policy{
		ID: "tagging", Name: "Tagging", Active: true,
		RequiredTags: []policy.TagRule{
			{Name: "env", AllowedValues: []string{"prod", "dev"}, DefaultValue: strPtr("dev")},
			{Name: "team", DefaultValue: strPtr("platform")},
		},
	}}})
}

type fixture struct {
	engine *Engine
	store  *bolt.Store
	fake   *connectortest.Fake
	audit  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	auditDir := t.TempDir()
	log, err := audit.Open(auditDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	fake := connectortest.New("aws")
	e, err := New(s, connector.NewRegistry(fake), staticSnapshots{snap: tagging()}, log, Config{
		MaxRetries: 2,
		Retry:      retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	e.now = func() time.Time { return now }
	return &fixture{engine: e, store: s, fake: fake, audit: auditDir}
}

// seed registers a live resource, stores it and its evaluation.
func (f *fixture) seed(t *testing.T, id string, tags map[string]string) (resource.Resource, compliance.Record) {
	t.Helper()
	ctx := context.Background()
	f.fake.Add("ec2", id, "us-east-1", tags)

	r, err := f.store.PutResource(ctx, resource.Resource{
		Provider: "aws",
		NativeID: id,
		Type:     "ec2",
		Region:   "us-east-1",
		Tags:     f.fake.Tags(id),
		KeyMode:  resource.KeyExact,
	}, 0)
	require.NoError(t, err)

	rec := evaluator.Evaluate(ctx, r, tagging(), now)
	require.NoError(t, f.store.PutCompliance(ctx, rec))
	return r, rec
}

func (f *fixture) approved(t *testing.T, id string, tags map[string]string) workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	r, rec := f.seed(t, id, tags)
	wf, err := f.engine.Create(ctx, r, rec)
	require.NoError(t, err)
	wf, err = f.engine.Approve(ctx, wf.ID, "alice")
	require.NoError(t, err)
	return wf
}

func TestCreate_ProposesDefaults(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r, rec := f.seed(t, "i-1", map[string]string{"env": "qa"})

	wf, err := f.engine.Create(ctx, r, rec)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatePendingApproval, wf.State)
	assert.Equal(t, map[string]string{"env": "dev", "team": "platform"}, wf.ProposedChanges)
	assert.Equal(t, "aws:i-1", wf.ResourceID)
	assert.Equal(t, r.Version, wf.ResourceVersion)
	assert.Equal(t, map[string]string{"env": "qa"}, wf.TagSnapshot)
	assert.Equal(t, SystemActor, wf.CreatedBy)
	require.Len(t, wf.History, 1)

	_, err = f.engine.Create(ctx, r, rec)
	assert.ErrorIs(t, err, store.ErrOpenWorkflowExists)

	created, err := f.engine.Propose(ctx, r, rec)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreate_NothingToRemediate(t *testing.T) {
	f := setup(t)
	r, rec := f.seed(t, "i-1", map[string]string{"env": "prod", "team": "x"})
	require.Equal(t, compliance.StatusCompliant, rec.Status)

	_, err := f.engine.Create(context.Background(), r, rec)
	assert.ErrorIs(t, err, ErrNothingToRemediate)

	created, err := f.engine.Propose(context.Background(), r, rec)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestTransitions_Guarded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r, rec := f.seed(t, "i-1", nil)
	wf, err := f.engine.Create(ctx, r, rec)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, wf.ID, "")
	assert.ErrorIs(t, err, ErrApproverRequired)

	_, err = f.engine.Apply(ctx, wf.ID)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	rejected, err := f.engine.Reject(ctx, wf.ID, "bob", "owner disagrees")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRejected, rejected.State)
	assert.Equal(t, "owner disagrees", rejected.RejectReason)

	_, err = f.engine.Approve(ctx, wf.ID, "alice")
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = f.engine.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_WritesVerifiesAndRefreshes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.approved(t, "i-1", map[string]string{"owner": "a"})

	out, err := f.engine.Apply(ctx, wf.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateApplied, out.State)
	assert.ElementsMatch(t, []string{"env", "team"}, out.Confirmed)
	assert.Empty(t, out.Failures)
	assert.Equal(t, 0, out.RetryCount)
	require.NotNil(t, out.AppliedAt)
	assert.Equal(t, "alice", out.Approver)

	assert.Equal(t, map[string]string{"owner": "a", "env": "dev", "team": "platform"}, f.fake.Tags("i-1"))

	r, err := f.store.GetResource(ctx, "aws:i-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Version)
	assert.Equal(t, "dev", r.Tags["env"])

	rec, err := f.store.GetCompliance(ctx, "aws:i-1")
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompliant, rec.Status)

	// An applied workflow no longer blocks a new one.
	_, err = f.store.OpenWorkflow(ctx, "aws:i-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_RetriesTransientKey(t *testing.T) {
	f := setup(t)
	wf := f.approved(t, "i-1", nil)
	f.fake.FailKey("team", 1, errors.New("Throttling"))

	out, err := f.engine.Apply(context.Background(), wf.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateApplied, out.State)
	assert.Equal(t, 1, out.RetryCount)
	require.Len(t, f.fake.ApplyCalls, 2)
	assert.Equal(t, map[string]string{"team": "platform"}, f.fake.ApplyCalls[1], "only the failed key is retried")
}

func TestApply_PermanentFailureThenReapprove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.approved(t, "i-1", nil)
	f.fake.FailKey("team", -1, retry.Permanent(errors.New("AccessDenied")))

	out, err := f.engine.Apply(ctx, wf.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateFailed, out.State)
	assert.Equal(t, []string{"env"}, out.Confirmed)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "team", out.Failures[0].Key)
	assert.True(t, out.Failures[0].Permanent)
	assert.Contains(t, out.History[len(out.History)-1].Reason, "AccessDenied")
	assert.Len(t, f.fake.ApplyCalls, 1, "permanent failures are not retried")

	// Fix the permission and try again: only the failed key is written.
	f.fake.FailKey("team", 0, nil)
	_, err = f.engine.Approve(ctx, wf.ID, "alice")
	require.NoError(t, err)
	out, err = f.engine.Apply(ctx, wf.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateApplied, out.State)
	assert.Empty(t, out.Failures)
	assert.Equal(t, map[string]string{"team": "platform"}, f.fake.ApplyCalls[1])
}

func TestApply_ResourceChangedAppliesStillViolatingKeys(t *testing.T) {
	f := setup(t)
	wf := f.approved(t, "i-1", nil)

	// Someone set team out of band after the proposal.
	f.fake.SetTag("i-1", "team", "data")

	out, err := f.engine.Apply(context.Background(), wf.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateApplied, out.State)
	require.Len(t, f.fake.ApplyCalls, 1)
	assert.Equal(t, map[string]string{"env": "dev"}, f.fake.ApplyCalls[0])
	assert.Equal(t, "data", f.fake.Tags("i-1")["team"], "out-of-band value is kept")
	assert.ElementsMatch(t, []string{"env", "team"}, out.Confirmed)
}

func TestApply_FetchErrorFails(t *testing.T) {
	f := setup(t)
	wf := f.approved(t, "i-1", nil)
	f.fake.FailFetch(errors.New("connection reset"))

	out, err := f.engine.Apply(context.Background(), wf.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateFailed, out.State)
	assert.Contains(t, out.LastError, "connection reset")
	assert.Empty(t, f.fake.ApplyCalls)
}

func TestApply_NoPolicyAppliesWritesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.approved(t, "i-1", nil)

	// The policy is deactivated between approval and apply.
	f.engine.snapshots = staticSnapshots{snap: policy.NewSnapshot(2, now, nil)}

	out, err := f.engine.Apply(ctx, wf.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateFailed, out.State)
	assert.Contains(t, out.LastError, "no matching policies")
	assert.Empty(t, out.Confirmed)
	assert.Empty(t, f.fake.ApplyCalls)
	assert.Empty(t, f.fake.Tags("i-1"))
}

// conflictingStore fails every resource write with ErrConflict.
type conflictingStore struct {
	Store
}

func (c *conflictingStore) PutResource(context.Context, resource.Resource, int64) (resource.Resource, error) {
	return resource.Resource{}, store.ErrConflict
}

func TestRefresh_ConflictOnEveryAttempt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.approved(t, "i-1", nil)
	f.engine.store = &conflictingStore{Store: f.store}

	out, err := f.engine.Apply(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateApplied, out.State, "the provider write itself was verified")

	// No compliance record is written for an empty resource.
	_, err = f.store.GetCompliance(ctx, ":")
	assert.ErrorIs(t, err, store.ErrNotFound)
	rec, err := f.store.GetCompliance(ctx, "aws:i-1")
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusNonCompliant, rec.Status, "left for the next scan")

	r, err := f.store.GetResource(ctx, "aws:i-1")
	require.NoError(t, err)
	err = f.engine.refresh(ctx, r, f.fake.Tags("i-1"))
	assert.ErrorIs(t, err, store.ErrConflict)
}

// interrupt leaves wf applying, as a crash mid-apply would.
func (f *fixture) interrupt(t *testing.T, wf workflow.Workflow) {
	t.Helper()
	require.NoError(t, wf.Transition(workflow.StateApplying, SystemActor, "", now))
	_, err := f.store.UpdateWorkflow(context.Background(), wf, wf.Version)
	require.NoError(t, err)
}

func TestRecover_FailsInterruptedApply(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.approved(t, "i-1", nil)
	f.interrupt(t, wf)

	n, err := f.engine.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not old enough")

	f.engine.now = func() time.Time { return now.Add(2 * time.Hour) }
	n, err = f.engine.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, got.State)
	assert.Equal(t, "apply interrupted", got.LastError)
	last := got.History[len(got.History)-1]
	assert.Equal(t, SystemActor, last.Actor)
	assert.Equal(t, workflow.StateApplying, last.From)

	// A failed workflow can be approved and applied again.
	_, err = f.engine.Approve(ctx, wf.ID, "alice")
	require.NoError(t, err)
	out, err := f.engine.Apply(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateApplied, out.State)
}

func TestApplyApproved_RecoversInterruptedApply(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	stuck := f.approved(t, "i-1", nil)
	f.interrupt(t, stuck)
	f.engine.now = func() time.Time { return now.Add(DefaultApplyTimeout + time.Minute) }

	applied, failed, err := f.engine.ApplyApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 0, failed)

	got, err := f.engine.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, got.State)
}

func TestApplyApproved(t *testing.T) {
	f := setup(t)
	f.approved(t, "i-1", nil)
	f.approved(t, "i-2", nil)
	f.fake.OnApply = func(ref connector.Ref, _ map[string]string) {
		if ref.NativeID == "i-2" {
			f.fake.FailApply(retry.Permanent(errors.New("UnauthorizedOperation")))
			return
		}
		f.fake.FailApply(nil)
	}

	applied, failed, err := f.engine.ApplyApproved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, failed)

	left, err := f.engine.List(context.Background(), workflow.StateApproved)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCancelOpen(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.approved(t, "i-1", nil)

	require.NoError(t, f.engine.CancelOpen(ctx, "aws:i-1", "resource purged"))

	got, err := f.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRejected, got.State)
	assert.Equal(t, "resource purged", got.RejectReason)
	assert.Equal(t, SystemActor, got.History[len(got.History)-1].Actor)

	require.NoError(t, f.engine.CancelOpen(ctx, "aws:i-1", "resource purged"), "nothing open is a no-op")
}

func TestAudit_RecordsLifecycle(t *testing.T) {
	f := setup(t)
	wf := f.approved(t, "i-1", nil)
	_, err := f.engine.Apply(context.Background(), wf.ID)
	require.NoError(t, err)

	var events []string
	require.NoError(t, audit.Replay(f.audit, time.Time{}, func(e audit.Entry) error {
		assert.Equal(t, wf.ID, e.WorkflowID)
		events = append(events, e.Event+":"+e.To)
		return nil
	}))
	assert.Equal(t, []string{
		"created:pending_approval",
		"transition:approved",
		"transition:applying",
		"transition:applied",
	}, events)
}

func TestKeyedMutex_Serializes(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	other := k.Lock("b")
	other()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
