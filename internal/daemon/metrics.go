package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tagwarden/pkg/compliance"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	cycles           metric.Int64Counter
	cycleDuration    metric.Float64Histogram
	nonCompliant     metric.Int64Gauge
	workflowsOpened  metric.Int64Counter
	workflowsApplied metric.Int64Counter
	resourcesPurged  metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("tagwarden.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	cycles, err := meter.Int64Counter(
		"tagwarden.daemon.cycles",
		metric.WithDescription("Number of compliance cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"tagwarden.daemon.cycle.duration",
		metric.WithDescription("Duration of compliance cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	nonCompliant, err := meter.Int64Gauge(
		"tagwarden.daemon.non_compliant",
		metric.WithDescription("Non-compliant resources after the last cycle"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	workflowsOpened, err := meter.Int64Counter(
		"tagwarden.daemon.workflows.opened",
		metric.WithDescription("Remediation workflows opened by evaluation"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, err
	}

	workflowsApplied, err := meter.Int64Counter(
		"tagwarden.daemon.workflows.applied",
		metric.WithDescription("Approved workflows applied by the daemon"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, err
	}

	resourcesPurged, err := meter.Int64Counter(
		"tagwarden.daemon.resources.purged",
		metric.WithDescription("Stale resources purged after the grace period"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		cycles:           cycles,
		cycleDuration:    cycleDuration,
		nonCompliant:     nonCompliant,
		workflowsOpened:  workflowsOpened,
		workflowsApplied: workflowsApplied,
		resourcesPurged:  resourcesPurged,
	}, nil
}

// RecordCycle records a cycle with its status
func (m *DaemonMetrics) RecordCycle(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordEvaluation records the outcome of a cycle's evaluation pass
func (m *DaemonMetrics) RecordEvaluation(ctx context.Context, s compliance.Summary) {
	m.nonCompliant.Record(ctx, int64(s.NonCompliant))
	m.workflowsOpened.Add(ctx, int64(s.WorkflowsOpened))
}

// RecordApplied records workflows the daemon applied, by result
func (m *DaemonMetrics) RecordApplied(ctx context.Context, applied, failed int) {
	m.workflowsApplied.Add(ctx, int64(applied), metric.WithAttributes(attribute.String("result", "applied")))
	m.workflowsApplied.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("result", "failed")))
}

// RecordPurged records purged resources
func (m *DaemonMetrics) RecordPurged(ctx context.Context, n int) {
	m.resourcesPurged.Add(ctx, int64(n))
}
