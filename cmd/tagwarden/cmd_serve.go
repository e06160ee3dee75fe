package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tagwarden/internal/daemon"
)

var serveOnce bool

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the continuous compliance daemon",
	Long: `Run tagwarden as a daemon. Every interval it scans all configured
providers, evaluates compliance, applies approved workflows when
remediation.auto_apply is set, and purges resources stale beyond the grace
period.

Endpoints on metrics.addr:
- /metrics     Prometheus metrics
- /health      JSON health of the last cycle
- /-/healthy   Liveness
- /-/ready     Readiness after the first cycle`,
	Example: `  tagwarden serve -c /etc/tagwarden/tagwarden.toml
  tagwarden serve --once   # One cycle, then exit`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "Run a single cycle and exit")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if cfg.Policies.File != "" {
		if _, err := a.svc.ImportPolicies(ctx, cfg.Policies.File); err != nil {
			return fmt.Errorf("import policies: %w", err)
		}
	}

	d, err := daemon.NewDaemon(a.svc, daemon.Config{
		Interval:       cfg.Scanner.Interval,
		OneShot:        cfg.Scanner.OneShot || serveOnce,
		AutoApply:      cfg.Remediation.AutoApply,
		AuditDir:       cfg.Store.AuditDir,
		AuditRetention: cfg.Store.AuditRetention,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			a.svc.WatchPolicies(ctx)
			return nil
		}, func(error) {
			cancel()
		})
	}
	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           d.Handler(a.telemetry.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			log.Info().Str("addr", srv.Addr).Msg("serving metrics and health")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		log.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
