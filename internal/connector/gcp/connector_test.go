package gcp

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/storage/v1"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
)

// mockInstances implements InstancesAPI for testing.
type mockInstances struct {
	AggregatedListFunc func(ctx context.Context, project, pageToken string) (*compute.InstanceAggregatedList, error)
	instances          map[string]*compute.Instance
	setLabelsErr       []error
	setCalls           []*compute.InstancesSetLabelsRequest
}

func (m *mockInstances) AggregatedList(ctx context.Context, project, pageToken string) (*compute.InstanceAggregatedList, error) {
	return m.AggregatedListFunc(ctx, project, pageToken)
}

func (m *mockInstances) Get(_ context.Context, _, _, name string) (*compute.Instance, error) {
	inst, ok := m.instances[name]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
	}
	return inst, nil
}

func (m *mockInstances) SetLabels(_ context.Context, _, _, name string, req *compute.InstancesSetLabelsRequest) error {
	m.setCalls = append(m.setCalls, req)
	if len(m.setLabelsErr) > 0 {
		err := m.setLabelsErr[0]
		m.setLabelsErr = m.setLabelsErr[1:]
		return err
	}
	m.instances[name].Labels = req.Labels
	return nil
}

// mockBuckets implements BucketsAPI for testing.
type mockBuckets struct {
	buckets map[string]*storage.Bucket
	pages   [][]string
}

func (m *mockBuckets) List(_ context.Context, _, pageToken string) (*storage.Buckets, error) {
	idx := 0
	if pageToken != "" {
		idx = int(pageToken[0] - '0')
	}
	out := &storage.Buckets{}
	for _, name := range m.pages[idx] {
		out.Items = append(out.Items, m.buckets[name])
	}
	if idx+1 < len(m.pages) {
		out.NextPageToken = string(rune('0' + idx + 1))
	}
	return out, nil
}

func (m *mockBuckets) Get(_ context.Context, bucket string) (*storage.Bucket, error) {
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}
	return b, nil
}

func (m *mockBuckets) Patch(_ context.Context, bucket string, labels map[string]string) error {
	b := m.buckets[bucket]
	if b.Labels == nil {
		b.Labels = map[string]string{}
	}
	for k, v := range labels {
		b.Labels[k] = v
	}
	return nil
}

var fastPages = connector.PageOptions{
	Retry: retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
}

func newTestConnector(t *testing.T, regions []string, inst InstancesAPI, buckets BucketsAPI) *Connector {
	t.Helper()
	c, err := NewWithClients(Config{Project: "acme", Regions: regions, Page: fastPages}, inst, buckets)
	require.NoError(t, err)
	return c
}

func TestListInstances_AggregatedPagesAndRegionFilter(t *testing.T) {
	inst := &mockInstances{
		AggregatedListFunc: func(_ context.Context, project, pageToken string) (*compute.InstanceAggregatedList, error) {
			assert.Equal(t, "acme", project)
			if pageToken == "" {
				return &compute.InstanceAggregatedList{
					NextPageToken: "next",
					Items: map[string]compute.InstancesScopedList{
						"zones/us-central1-a": {Instances: []*compute.Instance{{
							Name:        "api-1",
							Id:          42,
							Zone:        "https://www.googleapis.com/compute/v1/projects/acme/zones/us-central1-a",
							MachineType: "zones/us-central1-a/machineTypes/e2-small",
							Status:      "RUNNING",
							Labels:      map[string]string{"env": "prod"},
						}}},
						"zones/europe-west1-b": {Instances: []*compute.Instance{{
							Name: "eu-1",
							Zone: "projects/acme/zones/europe-west1-b",
						}}},
						"zones/asia-east1-a": {},
					},
				}, nil
			}
			return &compute.InstanceAggregatedList{
				Items: map[string]compute.InstancesScopedList{
					"zones/us-central1-b": {Instances: []*compute.Instance{{Name: "api-2", Zone: "zones/us-central1-b"}}},
				},
			}, nil
		},
	}
	c := newTestConnector(t, []string{"us-central1"}, inst, &mockBuckets{})

	recs, err := connector.Collect(c.List(context.Background(), TypeComputeInstance, ""))

	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0].(*native.GCPRecord)
	assert.Equal(t, "projects/acme/zones/us-central1-a/instances/api-1", first.ResourceID)
	assert.Equal(t, TypeComputeInstance, first.Kind)
	assert.Equal(t, "us-central1-a", first.Zone)
	assert.Equal(t, "e2-small", first.Attrs["machine_type"])
	assert.Equal(t, "42", first.Attrs["id"])
	assert.Equal(t, map[string]string{"env": "prod"}, first.Labels)
	assert.Equal(t, "projects/acme/zones/us-central1-b/instances/api-2", recs[1].ID())
}

func TestListInstances_RetriesSamePageToken(t *testing.T) {
	var tokens []string
	inst := &mockInstances{
		AggregatedListFunc: func(_ context.Context, _, pageToken string) (*compute.InstanceAggregatedList, error) {
			tokens = append(tokens, pageToken)
			switch {
			case pageToken == "":
				return &compute.InstanceAggregatedList{NextPageToken: "p2"}, nil
			case len(tokens) == 2:
				return nil, &googleapi.Error{Code: http.StatusServiceUnavailable}
			default:
				return &compute.InstanceAggregatedList{}, nil
			}
		},
	}
	c := newTestConnector(t, nil, inst, &mockBuckets{})

	_, err := connector.Collect(c.List(context.Background(), TypeComputeInstance, ""))

	require.NoError(t, err)
	assert.Equal(t, []string{"", "p2", "p2"}, tokens)
}

func TestListBuckets(t *testing.T) {
	buckets := &mockBuckets{
		buckets: map[string]*storage.Bucket{
			"logs":   {Name: "logs", Location: "US-CENTRAL1", Labels: map[string]string{"team": "ops"}},
			"assets": {Name: "assets", Location: "EU"},
		},
		pages: [][]string{{"logs"}, {"assets"}},
	}
	c := newTestConnector(t, nil, &mockInstances{}, buckets)

	recs, err := connector.Collect(c.List(context.Background(), TypeStorageBucket, ""))

	require.NoError(t, err)
	require.Len(t, recs, 2)
	logs := recs[0].(*native.GCPRecord)
	assert.Equal(t, "logs", logs.ResourceID)
	assert.Equal(t, "us-central1", logs.Location)
	assert.Equal(t, TypeStorageBucket, logs.Kind)
	assert.Equal(t, "assets", recs[1].ID())
}

func TestApplyTags_InstanceMergesWithFingerprint(t *testing.T) {
	inst := &mockInstances{instances: map[string]*compute.Instance{
		"api-1": {Name: "api-1", Labels: map[string]string{"owner": "ops"}, LabelFingerprint: "fp-1"},
	}}
	c := newTestConnector(t, nil, inst, &mockBuckets{})
	ref := connector.Ref{NativeID: "projects/acme/zones/us-central1-a/instances/api-1", ResourceType: TypeComputeInstance}

	res, err := c.ApplyTags(context.Background(), ref, map[string]string{"env": "prod"})

	require.NoError(t, err)
	assert.Equal(t, []string{"env"}, res.Applied)
	require.Len(t, inst.setCalls, 1)
	assert.Equal(t, "fp-1", inst.setCalls[0].LabelFingerprint)
	assert.Equal(t, map[string]string{"owner": "ops", "env": "prod"}, inst.setCalls[0].Labels)
}

func TestApplyTags_StaleFingerprintIsTransient(t *testing.T) {
	inst := &mockInstances{
		instances:    map[string]*compute.Instance{"api-1": {Name: "api-1"}},
		setLabelsErr: []error{&googleapi.Error{Code: http.StatusPreconditionFailed}},
	}
	c := newTestConnector(t, nil, inst, &mockBuckets{})
	ref := connector.Ref{NativeID: "projects/acme/zones/us-central1-a/instances/api-1", ResourceType: TypeComputeInstance}

	res, err := c.ApplyTags(context.Background(), ref, map[string]string{"env": "prod"})

	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.True(t, retry.IsTransient(res.Failed[0].Err))
}

func TestApplyTags_InvalidLabelFailsOnlyThatKey(t *testing.T) {
	buckets := &mockBuckets{buckets: map[string]*storage.Bucket{"logs": {Name: "logs"}}}
	c := newTestConnector(t, nil, &mockInstances{}, buckets)
	ref := connector.Ref{NativeID: "logs", ResourceType: TypeStorageBucket}

	res, err := c.ApplyTags(context.Background(), ref, map[string]string{
		"env":        "prod",
		"cost-owner": "Finance Team",
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"env"}, res.Applied)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "cost-owner", res.Failed[0].Key)
	assert.True(t, retry.IsPermanent(res.Failed[0].Err))

	live, err := c.FetchTags(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod"}, live)
}

func TestFetchTags_MalformedInstanceID(t *testing.T) {
	c := newTestConnector(t, nil, &mockInstances{}, &mockBuckets{})
	_, err := c.FetchTags(context.Background(), connector.Ref{NativeID: "api-1", ResourceType: TypeComputeInstance})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}, false},
		{"fingerprint", &googleapi.Error{Code: http.StatusPreconditionFailed}, false},
		{"backend", &googleapi.Error{Code: http.StatusBadGateway}, false},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, true},
		{"bad request", &googleapi.Error{Code: http.StatusBadRequest}, true},
		{"network", errors.New("connection refused"), false},
		{"already permanent", retry.Permanent(errors.New("x")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, retry.IsPermanent(classify(tt.err)))
		})
	}
}
