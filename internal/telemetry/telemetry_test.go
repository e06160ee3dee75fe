package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/yairfalse/tagwarden/internal/config"
)

func disabled() config.OTELConfig {
	return config.OTELConfig{
		ServiceName: "test-tagwarden",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), disabled())
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Registry())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-tagwarden",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// Setup succeeds without a running collector.
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestProvider_HandlerServesGlobalMeter(t *testing.T) {
	p, err := NewProvider(context.Background(), disabled())
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	counter, err := otel.Meter("tagwarden.test").Int64Counter("tagwarden.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tagwarden_test_events")
}

func TestOTELHook_AddsTraceIDs(t *testing.T) {
	p, err := NewProvider(context.Background(), disabled())
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(OTELHook{})

	ctx, span := p.StartSpan(context.Background(), "op")
	logger.Info().Ctx(ctx).Msg("with span")
	span.End()

	var fields map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])

	buf.Reset()
	logger.Info().Msg("without span")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestSetupLogger(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, SetupLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf))

	log.Info().Msg("dropped")
	log.Warn().Str("resource_id", "aws:i-1").Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"resource_id":"aws:i-1"`)
	assert.Contains(t, buf.String(), `"service":"tagwarden"`)

	assert.Error(t, SetupLogger(config.LogConfig{Level: "loud"}, &buf))
}
