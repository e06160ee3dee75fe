package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/yairfalse/tagwarden/internal/audit"
	"github.com/yairfalse/tagwarden/internal/config"
	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/connector/aws"
	"github.com/yairfalse/tagwarden/internal/connector/azure"
	"github.com/yairfalse/tagwarden/internal/connector/gcp"
	"github.com/yairfalse/tagwarden/internal/emitter"
	"github.com/yairfalse/tagwarden/internal/filter"
	"github.com/yairfalse/tagwarden/internal/orchestrator"
	"github.com/yairfalse/tagwarden/internal/remediation"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/internal/service"
	"github.com/yairfalse/tagwarden/internal/store/bolt"
	"github.com/yairfalse/tagwarden/internal/telemetry"
)

// buildConnectors is swapped out in tests.
var buildConnectors = buildRegistry

// app holds everything a command needs, opened from the config file.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Provider
	store     *bolt.Store
	audit     *audit.Log
	svc       *service.Service
}

// loadConfig reads the config file. Without an explicit --config a missing
// default file falls back to built-in defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := telemetry.SetupLogger(cfg.Log, os.Stderr); err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tp}

	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	registry, limiters, err := buildConnectors(ctx, cfg)
	if err != nil {
		return err
	}

	a.store, err = bolt.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.audit, err = audit.Open(cfg.Store.AuditDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	drift, err := emitter.NewPrometheusEmitter()
	if err != nil {
		return fmt.Errorf("create drift emitter: %w", err)
	}

	a.svc, err = service.New(service.Options{
		Store:    a.store,
		Registry: registry,
		Audit:    a.audit,
		Scan: orchestrator.Config{
			Concurrency: cfg.Scanner.Concurrency,
			Limiters:    limiters,
			StaleGrace:  cfg.Scanner.StaleGrace,
			Filter:      filter.New(cfg.Filter.ExcludeTypes, cfg.Filter.IncludeTags, cfg.Filter.ExcludeTags),
			Emitter:     drift,
		},
		EvaluationWorkers: cfg.Scanner.EvaluationWorkers,
		Remediation: remediation.Config{
			MaxRetries: cfg.Remediation.MaxRetries,
			Retry: retry.Policy{
				InitialInterval: cfg.Remediation.InitialBackoff,
				MaxInterval:     cfg.Remediation.MaxBackoff,
			},
			ApplyTimeout: cfg.Remediation.ApplyTimeout,
		},
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if _, err := a.svc.ReloadPolicies(ctx); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	return nil
}

// Close releases the store, the audit log and telemetry.
func (a *app) Close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit log")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to shutdown telemetry")
	}
}

// buildRegistry creates a connector for every configured provider. Each
// provider gets one limiter shared by its connector's page fetches and the
// orchestrator's task starts.
func buildRegistry(ctx context.Context, cfg *config.Config) (*connector.Registry, map[string]*rate.Limiter, error) {
	registry := connector.NewRegistry()
	limiters := make(map[string]*rate.Limiter)

	page := func(provider string, rc config.RateConfig) connector.PageOptions {
		lim := newLimiter(rc)
		if lim != nil {
			limiters[provider] = lim
		}
		return connector.PageOptions{
			Limiter:     lim,
			Retry:       retry.Policy{MaxAttempts: cfg.Scanner.MaxAttempts},
			CallTimeout: cfg.Scanner.CallTimeout,
		}
	}

	if cfg.AWS.Enabled() {
		c, err := aws.New(ctx, aws.Config{
			Regions:       cfg.AWS.Regions,
			Profile:       cfg.AWS.Profile,
			ResourceTypes: cfg.AWS.ResourceTypes,
			Page:          page("aws", cfg.AWS.Rate),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create aws connector: %w", err)
		}
		registry.Register(c)
	}

	if cfg.Azure.Enabled() {
		c, err := azure.New(azure.Config{
			SubscriptionID: cfg.Azure.SubscriptionID,
			Locations:      cfg.Azure.Locations,
			ResourceTypes:  cfg.Azure.ResourceTypes,
			Page:           page("azure", cfg.Azure.Rate),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create azure connector: %w", err)
		}
		registry.Register(c)
	}

	if cfg.GCP.Enabled() {
		c, err := gcp.New(ctx, gcp.Config{
			Project:         cfg.GCP.Project,
			Regions:         cfg.GCP.Regions,
			ResourceTypes:   cfg.GCP.ResourceTypes,
			CredentialsFile: cfg.GCP.CredentialsFile,
			Page:            page("gcp", cfg.GCP.Rate),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create gcp connector: %w", err)
		}
		registry.Register(c)
	}

	log.Debug().Strs("providers", registry.Names()).Msg("connectors ready")
	return registry, limiters, nil
}

func newLimiter(rc config.RateConfig) *rate.Limiter {
	if rc.RPS <= 0 {
		return nil
	}
	burst := rc.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rc.RPS), burst)
}
