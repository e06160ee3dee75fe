package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/scan"
)

// mockEngine records the order of calls.
type mockEngine struct {
	mu    sync.Mutex
	calls []string

	TriggerScanFunc func(ctx context.Context, provider string) (string, error)
	EvaluateFunc    func(ctx context.Context) (compliance.Summary, error)
	PurgeFunc       func(ctx context.Context) (int, error)
}

func (m *mockEngine) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockEngine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockEngine) TriggerScan(ctx context.Context, provider string) (string, error) {
	m.record("scan")
	if m.TriggerScanFunc != nil {
		return m.TriggerScanFunc(ctx, provider)
	}
	return "run-1", nil
}

func (m *mockEngine) WaitScan(_ context.Context, runID string) (scan.Run, error) {
	m.record("wait")
	return scan.Run{ID: runID, Status: scan.StatusCompleted}, nil
}

func (m *mockEngine) EvaluateCompliance(ctx context.Context) (compliance.Summary, error) {
	m.record("evaluate")
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx)
	}
	return compliance.Summary{TotalResources: 4, Compliant: 3, NonCompliant: 1, ComplianceRate: 75}, nil
}

func (m *mockEngine) ApplyApproved(context.Context) (int, int, error) {
	m.record("apply")
	return 1, 0, nil
}

func (m *mockEngine) PurgeStale(ctx context.Context) (int, error) {
	m.record("purge")
	if m.PurgeFunc != nil {
		return m.PurgeFunc(ctx)
	}
	return 0, nil
}

func TestNewDaemon_Validates(t *testing.T) {
	_, err := NewDaemon(nil, Config{Interval: time.Minute})
	require.Error(t, err)

	_, err = NewDaemon(&mockEngine{}, Config{})
	require.Error(t, err)

	d, err := NewDaemon(&mockEngine{}, Config{OneShot: true})
	require.NoError(t, err)
	assert.NotNil(t, d.metrics)
}

func TestRunCycle_Order(t *testing.T) {
	eng := &mockEngine{}
	d, err := NewDaemon(eng, Config{Interval: time.Minute, AutoApply: true})
	require.NoError(t, err)

	require.NoError(t, d.RunCycle(context.Background()))

	assert.Equal(t, []string{"scan", "wait", "evaluate", "apply", "purge"}, eng.Calls())
	health := d.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "run-1", health.LastRunID)
	assert.Equal(t, 75.0, health.ComplianceRate)
	assert.Equal(t, int64(1), health.Cycles)
}

func TestRunCycle_ApplyOnlyWhenEnabled(t *testing.T) {
	eng := &mockEngine{}
	d, err := NewDaemon(eng, Config{Interval: time.Minute})
	require.NoError(t, err)

	require.NoError(t, d.RunCycle(context.Background()))
	assert.NotContains(t, eng.Calls(), "apply")
}

func TestRunCycle_FailedStepsDoNotStopTheCycle(t *testing.T) {
	eng := &mockEngine{
		TriggerScanFunc: func(context.Context, string) (string, error) {
			return "", errors.New("no providers configured")
		},
		PurgeFunc: func(context.Context) (int, error) {
			return 0, errors.New("store closed")
		},
	}
	d, err := NewDaemon(eng, Config{Interval: time.Minute})
	require.NoError(t, err)

	err = d.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers configured")
	assert.Contains(t, err.Error(), "store closed")
	assert.Equal(t, []string{"scan", "evaluate", "purge"}, eng.Calls())

	health := d.Health()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, int64(1), health.Failures)
}

func TestDaemon_OneShot(t *testing.T) {
	eng := &mockEngine{}
	d, err := NewDaemon(eng, Config{OneShot: true})
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, int64(1), d.CycleCount())
}

func TestDaemon_CycleLoop(t *testing.T) {
	d, err := NewDaemon(&mockEngine{}, Config{Interval: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	require.Eventually(t, func() bool { return d.CycleCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	// Cancel context (simulate SIGTERM)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not shutdown within timeout")
	}
}

func TestDaemon_HealthEndpoints(t *testing.T) {
	d, err := NewDaemon(&mockEngine{}, Config{Interval: time.Minute})
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tagwarden_daemon_cycles_total 1"))
	})
	srv := httptest.NewServer(d.Handler(metrics))
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/-/healthy").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get("/-/ready").StatusCode)

	require.NoError(t, d.RunCycle(context.Background()))
	assert.Equal(t, http.StatusOK, get("/-/ready").StatusCode)
	assert.Equal(t, http.StatusOK, get("/metrics").StatusCode)

	resp := get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(1), health.Cycles)
}
