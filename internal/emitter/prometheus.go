package emitter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tagwarden/pkg/resource"
)

// PrometheusEmitter counts tag drift through OTEL instruments, exported
// by the Prometheus reader, and logs every change.
type PrometheusEmitter struct {
	driftedResources metric.Int64Counter
	tagChanges       metric.Int64Counter
}

// NewPrometheusEmitter creates a Prometheus emitter on the global meter.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return newPrometheusEmitter(otel.Meter("tagwarden.emitter"))
}

func newPrometheusEmitter(meter metric.Meter) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{}
	var err error

	e.driftedResources, err = meter.Int64Counter(
		"tagwarden.drift.resources",
		metric.WithDescription("Resources whose tags changed between scans"),
	)
	if err != nil {
		return nil, fmt.Errorf("create drift resources counter: %w", err)
	}

	e.tagChanges, err = meter.Int64Counter(
		"tagwarden.drift.tag_changes",
		metric.WithDescription("Tag changes observed between scans"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tag changes counter: %w", err)
	}

	return e, nil
}

// Emit records the drift as metrics and logs each change.
func (e *PrometheusEmitter) Emit(ctx context.Context, d Drift) error {
	attrs := []attribute.KeyValue{
		attribute.String("provider", d.Provider),
		attribute.String("type", d.ResourceType),
	}
	e.driftedResources.Add(ctx, 1, metric.WithAttributes(attrs...))

	for _, c := range d.Changes {
		e.tagChanges.Add(ctx, 1, metric.WithAttributes(append(attrs,
			attribute.String("change_type", string(c.Type)))...))

		ev := log.Info().
			Str("resource_id", d.ResourceID).
			Str("run_id", d.RunID).
			Str("tag", c.Key).
			Str("change", string(c.Type))
		if c.Type != resource.DiffAdded {
			ev = ev.Str("from", c.Previous)
		}
		if c.Type != resource.DiffDeleted {
			ev = ev.Str("to", c.Current)
		}
		ev.Msg("tag drift")
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
