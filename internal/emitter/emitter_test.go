package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/tagwarden/pkg/resource"
)

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitCalls  int
	closeCalls int
	emitErr    error
	closeErr   error
	drifts     []Drift
}

func (m *mockEmitter) Emit(_ context.Context, d Drift) error {
	m.emitCalls++
	m.drifts = append(m.drifts, d)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func drift() Drift {
	return Drift{
		ResourceID:   "aws:i-123",
		Provider:     "aws",
		ResourceType: "ec2",
		Changes: []resource.TagChange{
			{Key: "env", Type: resource.DiffModified, Previous: "dev", Current: "prod"},
			{Key: "team", Type: resource.DiffDeleted, Previous: "web"},
		},
	}
}

func TestDriftOf(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := resource.Resource{
		Provider: "azure", NativeID: "/subscriptions/s/vm1", Type: "vm",
		KeyMode: resource.KeyFold,
		Tags:    map[string]string{"Env": "dev", "Owner": "ops"},
	}
	curr := prev.Clone()
	curr.LastScannedAt = now
	curr.Tags = map[string]string{"env": "dev", "owner": "sre", "team": "web"}

	d, ok := DriftOf(prev, curr, "run-2")
	require.True(t, ok)
	assert.Equal(t, "azure:/subscriptions/s/vm1", d.ResourceID)
	assert.Equal(t, "run-2", d.RunID)
	assert.Equal(t, now, d.ObservedAt)
	require.Len(t, d.Changes, 2, "a key that only changed case is not drift")
	assert.Equal(t, resource.DiffModified, d.Changes[0].Type)
	assert.Equal(t, resource.DiffAdded, d.Changes[1].Type)

	_, ok = DriftOf(prev, prev, "run-3")
	assert.False(t, ok)
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), drift())

	require.NoError(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
	assert.Len(t, e2.drifts[0].Changes, 2)
}

func TestMultiEmitter_Emit_Error(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), drift())

	assert.Error(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 0, e2.emitCalls) // Should stop on first error
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	assert.Error(t, multi.Close())
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 0, e2.closeCalls)

	require.NoError(t, NewMultiEmitter().Close())
}

func TestPrometheusEmitter_CountsChanges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	e, err := newPrometheusEmitter(provider.Meter("test"))
	require.NoError(t, err)
	require.NoError(t, e.Emit(context.Background(), drift()))
	require.NoError(t, e.Close())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), totals["tagwarden.drift.resources"])
	assert.Equal(t, int64(2), totals["tagwarden.drift.tag_changes"])
}
