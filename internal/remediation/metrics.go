package remediation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tagwarden/pkg/workflow"
)

type metrics struct {
	transitions metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("tagwarden.remediation")

	transitions, err := meter.Int64Counter(
		"tagwarden.workflow.transitions",
		metric.WithDescription("Remediation workflow state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{transitions: transitions}, nil
}

func (m *metrics) recordTransition(ctx context.Context, from, to workflow.State) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.from", string(from)),
		attribute.String("workflow.to", string(to)),
	))
}
