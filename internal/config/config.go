// Package config handles TOML configuration for tagwarden.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Store       StoreConfig       `toml:"store"`
	Policies    PoliciesConfig    `toml:"policies"`
	AWS         AWSConfig         `toml:"aws"`
	Azure       AzureConfig       `toml:"azure"`
	GCP         GCPConfig         `toml:"gcp"`
	Scanner     ScannerConfig     `toml:"scanner"`
	Remediation RemediationConfig `toml:"remediation"`
	Filter      FilterConfig      `toml:"filter"`
	OTEL        OTELConfig        `toml:"otel"`
	Metrics     PromConfig        `toml:"metrics"`
	Log         LogConfig         `toml:"log"`
}

// StoreConfig holds the bbolt store and audit log locations.
type StoreConfig struct {
	Path              string        `toml:"path"`
	AuditDir          string        `toml:"audit_dir"`
	AuditRetentionStr string        `toml:"audit_retention"`
	AuditRetention    time.Duration `toml:"-"`
}

// PoliciesConfig points at the policy file imported at startup.
type PoliciesConfig struct {
	File string `toml:"file"`
}

// RateConfig bounds provider API calls. Zero rps means unlimited.
type RateConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

// AWSConfig holds AWS provider settings. The provider is enabled when at
// least one region is set.
type AWSConfig struct {
	Regions       []string   `toml:"regions"`
	Profile       string     `toml:"profile"`
	ResourceTypes []string   `toml:"resource_types"`
	Rate          RateConfig `toml:"rate"`
}

// Enabled reports whether the AWS connector should be built.
func (c AWSConfig) Enabled() bool { return len(c.Regions) > 0 }

// AzureConfig holds Azure provider settings.
type AzureConfig struct {
	SubscriptionID string     `toml:"subscription_id"`
	Locations      []string   `toml:"locations"`
	ResourceTypes  []string   `toml:"resource_types"`
	Rate           RateConfig `toml:"rate"`
}

// Enabled reports whether the Azure connector should be built.
func (c AzureConfig) Enabled() bool { return c.SubscriptionID != "" }

// GCPConfig holds GCP provider settings.
type GCPConfig struct {
	Project         string     `toml:"project"`
	Regions         []string   `toml:"regions"`
	ResourceTypes   []string   `toml:"resource_types"`
	CredentialsFile string     `toml:"credentials_file"`
	Rate            RateConfig `toml:"rate"`
}

// Enabled reports whether the GCP connector should be built.
func (c GCPConfig) Enabled() bool { return c.Project != "" }

// ScannerConfig holds scheduling and scan settings.
type ScannerConfig struct {
	IntervalStr       string        `toml:"interval"`
	Interval          time.Duration `toml:"-"`
	OneShot           bool          `toml:"one_shot"`
	Concurrency       int           `toml:"concurrency"`
	EvaluationWorkers int           `toml:"evaluation_workers"`
	StaleGraceStr     string        `toml:"stale_grace"`
	StaleGrace        time.Duration `toml:"-"`
	CallTimeoutStr    string        `toml:"call_timeout"`
	CallTimeout       time.Duration `toml:"-"`
	MaxAttempts       uint          `toml:"max_attempts"`
}

// RemediationConfig holds workflow settings.
type RemediationConfig struct {
	AutoApply         bool          `toml:"auto_apply"`
	MaxRetries        int           `toml:"max_retries"`
	InitialBackoffStr string        `toml:"initial_backoff"`
	InitialBackoff    time.Duration `toml:"-"`
	MaxBackoffStr     string        `toml:"max_backoff"`
	MaxBackoff        time.Duration `toml:"-"`
	ApplyTimeoutStr   string        `toml:"apply_timeout"`
	ApplyTimeout      time.Duration `toml:"-"`
}

// FilterConfig narrows what scans keep.
type FilterConfig struct {
	ExcludeTypes []string          `toml:"exclude_types"`
	IncludeTags  map[string]string `toml:"include_tags"`
	ExcludeTags  map[string]string `toml:"exclude_tags"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// PromConfig holds the Prometheus scrape endpoint served by serve.
type PromConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := parseDurations(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data"
	}
	if cfg.Store.AuditDir == "" {
		cfg.Store.AuditDir = "data/audit"
	}
	if cfg.Store.AuditRetentionStr == "" {
		cfg.Store.AuditRetentionStr = "2160h"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "tagwarden"
	}
	if cfg.Scanner.IntervalStr == "" {
		cfg.Scanner.IntervalStr = "1h"
	}
	if cfg.Scanner.Concurrency == 0 {
		cfg.Scanner.Concurrency = 4
	}
	if cfg.Scanner.EvaluationWorkers == 0 {
		cfg.Scanner.EvaluationWorkers = 8
	}
	if cfg.Scanner.StaleGraceStr == "" {
		cfg.Scanner.StaleGraceStr = "24h"
	}
	if cfg.Scanner.CallTimeoutStr == "" {
		cfg.Scanner.CallTimeoutStr = "2m"
	}
	if cfg.Scanner.MaxAttempts == 0 {
		cfg.Scanner.MaxAttempts = 5
	}
	if cfg.Remediation.MaxRetries == 0 {
		cfg.Remediation.MaxRetries = 3
	}
	if cfg.Remediation.InitialBackoffStr == "" {
		cfg.Remediation.InitialBackoffStr = "1s"
	}
	if cfg.Remediation.MaxBackoffStr == "" {
		cfg.Remediation.MaxBackoffStr = "30s"
	}
	if cfg.Remediation.ApplyTimeoutStr == "" {
		cfg.Remediation.ApplyTimeoutStr = "15m"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func parseDurations(cfg *Config) error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"store.audit_retention", cfg.Store.AuditRetentionStr, &cfg.Store.AuditRetention},
		{"scanner.interval", cfg.Scanner.IntervalStr, &cfg.Scanner.Interval},
		{"scanner.stale_grace", cfg.Scanner.StaleGraceStr, &cfg.Scanner.StaleGrace},
		{"scanner.call_timeout", cfg.Scanner.CallTimeoutStr, &cfg.Scanner.CallTimeout},
		{"remediation.initial_backoff", cfg.Remediation.InitialBackoffStr, &cfg.Remediation.InitialBackoff},
		{"remediation.max_backoff", cfg.Remediation.MaxBackoffStr, &cfg.Remediation.MaxBackoff},
		{"remediation.apply_timeout", cfg.Remediation.ApplyTimeoutStr, &cfg.Remediation.ApplyTimeout},
	} {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if !c.AWS.Enabled() && !c.Azure.Enabled() && !c.GCP.Enabled() {
		errs = append(errs, errors.New("at least one provider must be configured (aws.regions, azure.subscription_id or gcp.project)"))
	}
	if c.Scanner.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scanner: interval must be positive (got %v)", c.Scanner.Interval))
	}
	if c.Scanner.Concurrency < 0 || c.Scanner.EvaluationWorkers < 0 {
		errs = append(errs, errors.New("scanner: concurrency and evaluation_workers must not be negative"))
	}
	if c.Remediation.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("remediation: max_retries must not be negative (got %d)", c.Remediation.MaxRetries))
	}
	for name, r := range map[string]RateConfig{"aws": c.AWS.Rate, "azure": c.Azure.Rate, "gcp": c.GCP.Rate} {
		if r.RPS < 0 || r.Burst < 0 {
			errs = append(errs, fmt.Errorf("%s: rate must not be negative", name))
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format))
	}
	return errors.Join(errs...)
}
