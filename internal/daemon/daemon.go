// Package daemon runs the scheduled compliance cycle: scan every provider,
// evaluate, optionally apply approved workflows, then purge stale resources.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tagwarden/internal/audit"
	"github.com/yairfalse/tagwarden/pkg/compliance"
	"github.com/yairfalse/tagwarden/pkg/scan"
)

// Engine is the work a cycle drives.
type Engine interface {
	TriggerScan(ctx context.Context, provider string) (string, error)
	WaitScan(ctx context.Context, runID string) (scan.Run, error)
	EvaluateCompliance(ctx context.Context) (compliance.Summary, error)
	ApplyApproved(ctx context.Context) (applied, failed int, err error)
	PurgeStale(ctx context.Context) (int, error)
}

// Config holds daemon configuration
type Config struct {
	Interval       time.Duration
	OneShot        bool
	AutoApply      bool
	AuditDir       string
	AuditRetention time.Duration
}

// Daemon manages the continuous compliance cycle
type Daemon struct {
	engine    Engine
	cfg       Config
	metrics   *DaemonMetrics
	startTime time.Time
	now       func() time.Time

	cycleCount   atomic.Int64
	failureCount atomic.Int64

	mu        sync.Mutex
	lastCycle time.Time
	lastError string
	lastRun   string
	summary   compliance.Summary
}

// NewDaemon creates a new daemon instance
func NewDaemon(engine Engine, cfg Config) (*Daemon, error) {
	if engine == nil {
		return nil, errors.New("daemon: engine is required")
	}
	if cfg.Interval <= 0 && !cfg.OneShot {
		return nil, fmt.Errorf("daemon: interval must be positive (got %v)", cfg.Interval)
	}
	m, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}
	return &Daemon{
		engine:    engine,
		cfg:       cfg,
		metrics:   m,
		startTime: time.Now(),
		now:       time.Now,
	}, nil
}

// Start runs one cycle immediately, then one per interval until ctx is
// cancelled. With OneShot it returns after the first cycle.
func (d *Daemon) Start(ctx context.Context) error {
	log.Info().Dur("interval", d.cfg.Interval).Bool("auto_apply", d.cfg.AutoApply).Msg("daemon started")

	err := d.RunCycle(ctx)
	if d.cfg.OneShot {
		return err
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("cycles", d.cycleCount.Load()).Msg("daemon stopped")
			return nil
		case <-ticker.C:
			_ = d.RunCycle(ctx)
		}
	}
}

// RunCycle performs one scan, evaluation, apply and purge. A failed step is
// logged and recorded; later steps still run when they can.
func (d *Daemon) RunCycle(ctx context.Context) error {
	start := d.now()
	d.cycleCount.Add(1)

	var errs []error
	runID, err := d.scan(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	// Evaluation runs even after a partial scan; stale marking already
	// excluded what a complete pass proved gone.
	summary, evalErr := d.engine.EvaluateCompliance(ctx)
	if evalErr != nil {
		errs = append(errs, fmt.Errorf("evaluate: %w", evalErr))
	} else {
		d.metrics.RecordEvaluation(ctx, summary)
	}

	if d.cfg.AutoApply && ctx.Err() == nil {
		applied, failed, err := d.engine.ApplyApproved(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("apply approved: %w", err))
		}
		d.metrics.RecordApplied(ctx, applied, failed)
	}

	if ctx.Err() == nil {
		purged, err := d.engine.PurgeStale(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge stale: %w", err))
		}
		d.metrics.RecordPurged(ctx, purged)
	}

	if d.cfg.AuditDir != "" && d.cfg.AuditRetention > 0 {
		if n, err := audit.Cleanup(d.cfg.AuditDir, d.cfg.AuditRetention, d.now()); err != nil {
			log.Warn().Err(err).Msg("audit cleanup failed")
		} else if n > 0 {
			log.Info().Int("files", n).Msg("expired audit files removed")
		}
	}

	cycleErr := errors.Join(errs...)
	status := "success"
	if cycleErr != nil {
		status = "error"
		d.failureCount.Add(1)
	}
	elapsed := d.now().Sub(start)
	d.metrics.RecordCycle(ctx, status, elapsed)

	d.mu.Lock()
	d.lastCycle = start
	d.lastRun = runID
	d.lastError = ""
	if cycleErr != nil {
		d.lastError = cycleErr.Error()
	}
	if evalErr == nil {
		d.summary = summary
	}
	d.mu.Unlock()

	ev := log.Info()
	if cycleErr != nil {
		ev = log.Error().Err(cycleErr)
	}
	ev.Str("run_id", runID).
		Float64("compliance_rate", summary.ComplianceRate).
		Dur("duration", elapsed).
		Msg("compliance cycle finished")
	return cycleErr
}

func (d *Daemon) scan(ctx context.Context) (string, error) {
	runID, err := d.engine.TriggerScan(ctx, "")
	if err != nil {
		return "", fmt.Errorf("trigger scan: %w", err)
	}
	run, err := d.engine.WaitScan(ctx, runID)
	if err != nil {
		return runID, fmt.Errorf("wait for scan %s: %w", runID, err)
	}
	if run.Status == scan.StatusPartial {
		log.Warn().Str("run_id", runID).Bool("cancelled", run.Cancelled).Msg("scan finished partially")
	}
	return runID, nil
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status         string    `json:"status"`
	Uptime         int64     `json:"uptime_seconds"`
	Cycles         int64     `json:"cycles"`
	Failures       int64     `json:"failures"`
	LastCycle      time.Time `json:"last_cycle,omitzero"`
	LastRunID      string    `json:"last_run_id,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ComplianceRate float64   `json:"compliance_rate"`
}

// Health returns daemon health status. The daemon is degraded while the
// last cycle failed.
func (d *Daemon) Health() HealthStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := "healthy"
	if d.lastError != "" {
		status = "degraded"
	}
	return HealthStatus{
		Status:         status,
		Uptime:         int64(time.Since(d.startTime).Seconds()),
		Cycles:         d.cycleCount.Load(),
		Failures:       d.failureCount.Load(),
		LastCycle:      d.lastCycle,
		LastRunID:      d.lastRun,
		LastError:      d.lastError,
		ComplianceRate: d.summary.ComplianceRate,
	}
}

// CycleCount returns total cycles run
func (d *Daemon) CycleCount() int64 {
	return d.cycleCount.Load()
}

// Handler serves health endpoints and, when given, the metrics handler on
// /metrics.
func (d *Daemon) Handler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Health())
	})
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
	mux.HandleFunc("/-/healthy", ok)
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Health().LastCycle.IsZero() {
			http.Error(w, "no cycle finished yet", http.StatusServiceUnavailable)
			return
		}
		ok(w, r)
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}
