package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds scan instruments following OTEL semantic conventions.
type metrics struct {
	scanDuration     metric.Float64Histogram
	resourcesScanned metric.Int64Counter
	scanErrors       metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("tagwarden.orchestrator")

	scanDuration, err := meter.Float64Histogram(
		"tagwarden.scan.duration",
		metric.WithDescription("Duration of listing one resource type"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resourcesScanned, err := meter.Int64Counter(
		"tagwarden.scan.resources",
		metric.WithDescription("Resources observed by scans"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	scanErrors, err := meter.Int64Counter(
		"tagwarden.scan.errors",
		metric.WithDescription("Scan errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		scanDuration:     scanDuration,
		resourcesScanned: resourcesScanned,
		scanErrors:       scanErrors,
	}, nil
}

func attrs(provider, resourceType string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("cloud.provider", provider),
		attribute.String("resource.type", resourceType),
	)
}

func (m *metrics) recordTask(ctx context.Context, provider, resourceType string, count int, d time.Duration) {
	m.scanDuration.Record(ctx, d.Seconds(), attrs(provider, resourceType))
	m.resourcesScanned.Add(ctx, int64(count), attrs(provider, resourceType))
}

func (m *metrics) recordError(ctx context.Context, provider, resourceType string) {
	m.scanErrors.Add(ctx, 1, attrs(provider, resourceType))
}
