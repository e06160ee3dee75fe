package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/tagwarden/pkg/compliance"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// TestDaemonMetrics_SemanticConventions verifies metric names follow OTEL conventions
func TestDaemonMetrics_SemanticConventions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newDaemonMetrics(provider.Meter("tagwarden.daemon"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCycle(ctx, "success", 2*time.Second)
	m.RecordEvaluation(ctx, compliance.Summary{NonCompliant: 7, WorkflowsOpened: 2})
	m.RecordApplied(ctx, 3, 1)
	m.RecordPurged(ctx, 4)

	got := collect(t, reader)
	for _, name := range []string{
		"tagwarden.daemon.cycles",
		"tagwarden.daemon.cycle.duration",
		"tagwarden.daemon.non_compliant",
		"tagwarden.daemon.workflows.opened",
		"tagwarden.daemon.workflows.applied",
		"tagwarden.daemon.resources.purged",
	} {
		assert.Contains(t, got, name)
	}

	gauge, ok := got["tagwarden.daemon.non_compliant"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(7), gauge.DataPoints[0].Value)
}

func TestDaemonMetrics_AppliedByResult(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newDaemonMetrics(provider.Meter("tagwarden.daemon"))
	require.NoError(t, err)
	m.RecordApplied(context.Background(), 3, 1)

	sum, ok := collect(t, reader)["tagwarden.daemon.workflows.applied"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	byResult := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		result, _ := dp.Attributes.Value("result")
		byResult[result.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"applied": 3, "failed": 1}, byResult)
}
