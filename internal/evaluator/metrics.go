package evaluator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tagwarden/pkg/compliance"
)

type metrics struct {
	passes         metric.Int64Counter
	passDuration   metric.Float64Histogram
	resources      metric.Int64Gauge
	complianceRate metric.Float64Gauge
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("tagwarden.evaluator")

	passes, err := meter.Int64Counter(
		"tagwarden.evaluation.passes",
		metric.WithDescription("Number of evaluation passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	passDuration, err := meter.Float64Histogram(
		"tagwarden.evaluation.duration",
		metric.WithDescription("Duration of evaluation passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resources, err := meter.Int64Gauge(
		"tagwarden.compliance.resources",
		metric.WithDescription("Resources by compliance status after the last pass"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	complianceRate, err := meter.Float64Gauge(
		"tagwarden.compliance.rate",
		metric.WithDescription("Compliance rate after the last pass"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		passes:         passes,
		passDuration:   passDuration,
		resources:      resources,
		complianceRate: complianceRate,
	}, nil
}

func (m *metrics) recordPass(ctx context.Context, s compliance.Summary, d time.Duration) {
	m.passes.Add(ctx, 1)
	m.passDuration.Record(ctx, d.Seconds())
	m.complianceRate.Record(ctx, s.ComplianceRate)

	for status, n := range map[compliance.Status]int{
		compliance.StatusCompliant:    s.Compliant,
		compliance.StatusNonCompliant: s.NonCompliant,
		compliance.StatusUnknown:      s.Unknown,
		compliance.StatusExempt:       s.Exempt,
	} {
		m.resources.Record(ctx, int64(n), metric.WithAttributes(
			attribute.String("compliance.status", string(status)),
		))
	}
}
