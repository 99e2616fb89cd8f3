// Package config loads the engine configuration. Values come from an
// optional YAML file first, then environment variables (FLYWHEEL_*), so env
// always wins. The resulting Config is passed by value into constructors;
// nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the engine release version, stamped into /version and the CLI.
const Version = "0.4.0"

// Config holds all configuration for the flywheel engine.
type Config struct {
	Server         ServerConfig       `yaml:"server"`
	Log            LogConfig          `yaml:"log"`
	Auth           AuthConfig         `yaml:"auth"`
	Store          StoreConfig        `yaml:"store"`
	ContextStore   ContextStoreConfig `yaml:"context_store"`
	Evaluator      EvaluatorConfig    `yaml:"evaluator"`
	Thresholds     ThresholdsConfig   `yaml:"thresholds"`
	Context        ContextConfig      `yaml:"context"`
	SchemaVersions map[string]string  `yaml:"schema_versions"`
	Backoff        BackoffConfig      `yaml:"backoff"`
	Audit          AuditConfig        `yaml:"audit"`
	Retention      RetentionConfig    `yaml:"retention"`
	Batch          BatchConfig        `yaml:"batch"`
	Telemetry      TelemetryConfig    `yaml:"telemetry"`
	Version        string             `yaml:"-"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type AuthConfig struct {
	// APIKeys is the comma-separated list of accepted keys. Empty disables
	// API-key auth.
	APIKeys string `yaml:"api_keys"`
}

type StoreConfig struct {
	// Driver selects the primary store: "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file (sqlite driver).
	Path string `yaml:"path"`
	// SnapshotPath enables JSON snapshot persistence for the memory driver.
	SnapshotPath string `yaml:"snapshot_path"`
}

type ContextStoreConfig struct {
	// Driver selects where the context version chain lives: "store" (share
	// the primary store), "sqlite", or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the connection URL for the postgres driver, or the database
	// file for a dedicated sqlite chain.
	DSN string `yaml:"dsn"`
}

type EvaluatorConfig struct {
	// Driver selects the shadow evaluator: "replay" (in-process, default)
	// or "backend" (HTTP call to the model/execution backend).
	Driver   string        `yaml:"driver"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// Window is how many recent episodes the replay evaluator samples.
	Window int `yaml:"window"`
	// MinSamples widens the confidence interval below this sample count.
	MinSamples int `yaml:"min_samples"`
}

type ThresholdsConfig struct {
	SystematicError      float64 `yaml:"systematic_error"`
	InterfaceReliability float64 `yaml:"interface_reliability"`
	ContextUtility       float64 `yaml:"context_utility"`
	ConflictDensity      float64 `yaml:"conflict_density"`
	PromptSensitivity    float64 `yaml:"prompt_sensitivity"`
}

type ContextConfig struct {
	// SummaryLimit bounds episode_summaries per agent context.
	SummaryLimit int `yaml:"summary_limit"`
}

type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

type AuditConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Secret     string `yaml:"secret"`
}

type RetentionConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAgeDays  int           `yaml:"max_age_days"`
	Interval    time.Duration `yaml:"interval"`
	ArchivePath string        `yaml:"archive_path"`
	Compress    bool          `yaml:"compress"`
}

type BatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load reads configuration: defaults, then the YAML file named by
// FLYWHEEL_CONFIG (if any), then environment overrides.
func Load() (Config, error) {
	return LoadFile(os.Getenv("FLYWHEEL_CONFIG"))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		Server:       ServerConfig{Addr: ":8080"},
		Log:          LogConfig{Level: "info"},
		Store:        StoreConfig{Driver: "memory"},
		ContextStore: ContextStoreConfig{Driver: "store"},
		Evaluator: EvaluatorConfig{
			Driver:     "replay",
			Timeout:    30 * time.Second,
			Window:     20,
			MinSamples: 5,
		},
		Thresholds: ThresholdsConfig{
			SystematicError:      0.10,
			InterfaceReliability: 0.95,
			ContextUtility:       0.70,
			ConflictDensity:      0.50,
			PromptSensitivity:    0.30,
		},
		Context: ContextConfig{SummaryLimit: 50},
		Backoff: BackoffConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxElapsed:      10 * time.Second,
		},
		Retention: RetentionConfig{
			MaxAgeDays: 30,
			Interval:   time.Hour,
		},
		Batch: BatchConfig{
			Interval: 5 * time.Minute,
			Workers:  4,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "flywheel-engine",
		},
		Version: Version,
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = envStr("FLYWHEEL_ADDR", cfg.Server.Addr)
	cfg.Log.Level = envStr("FLYWHEEL_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = envBool("FLYWHEEL_LOG_PRETTY", cfg.Log.Pretty)
	cfg.Auth.APIKeys = envStr("FLYWHEEL_API_KEYS", cfg.Auth.APIKeys)

	cfg.Store.Driver = envStr("FLYWHEEL_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = envStr("FLYWHEEL_STORE_PATH", cfg.Store.Path)
	cfg.Store.SnapshotPath = envStr("FLYWHEEL_STORE_SNAPSHOT_PATH", cfg.Store.SnapshotPath)
	cfg.ContextStore.Driver = envStr("FLYWHEEL_CONTEXT_STORE_DRIVER", cfg.ContextStore.Driver)
	cfg.ContextStore.DSN = envStr("FLYWHEEL_CONTEXT_STORE_DSN", cfg.ContextStore.DSN)

	cfg.Evaluator.Driver = envStr("FLYWHEEL_EVALUATOR_DRIVER", cfg.Evaluator.Driver)
	cfg.Evaluator.Endpoint = envStr("FLYWHEEL_EVALUATOR_ENDPOINT", cfg.Evaluator.Endpoint)
	cfg.Evaluator.Timeout = envDur("FLYWHEEL_EVALUATOR_TIMEOUT", cfg.Evaluator.Timeout)
	cfg.Evaluator.Window = envInt("FLYWHEEL_EVALUATOR_WINDOW", cfg.Evaluator.Window)
	cfg.Evaluator.MinSamples = envInt("FLYWHEEL_EVALUATOR_MIN_SAMPLES", cfg.Evaluator.MinSamples)

	cfg.Thresholds.SystematicError = envFloat("FLYWHEEL_THRESHOLD_SYSTEMATIC_ERROR", cfg.Thresholds.SystematicError)
	cfg.Thresholds.InterfaceReliability = envFloat("FLYWHEEL_THRESHOLD_INTERFACE_RELIABILITY", cfg.Thresholds.InterfaceReliability)
	cfg.Thresholds.ContextUtility = envFloat("FLYWHEEL_THRESHOLD_CONTEXT_UTILITY", cfg.Thresholds.ContextUtility)
	cfg.Thresholds.ConflictDensity = envFloat("FLYWHEEL_THRESHOLD_CONFLICT_DENSITY", cfg.Thresholds.ConflictDensity)
	cfg.Thresholds.PromptSensitivity = envFloat("FLYWHEEL_THRESHOLD_PROMPT_SENSITIVITY", cfg.Thresholds.PromptSensitivity)

	cfg.Context.SummaryLimit = envInt("FLYWHEEL_CONTEXT_SUMMARY_LIMIT", cfg.Context.SummaryLimit)

	cfg.Backoff.InitialInterval = envDur("FLYWHEEL_BACKOFF_INITIAL", cfg.Backoff.InitialInterval)
	cfg.Backoff.MaxElapsed = envDur("FLYWHEEL_BACKOFF_MAX_ELAPSED", cfg.Backoff.MaxElapsed)

	cfg.Audit.WebhookURL = envStr("FLYWHEEL_AUDIT_WEBHOOK_URL", cfg.Audit.WebhookURL)
	cfg.Audit.Secret = envStr("FLYWHEEL_AUDIT_SECRET", cfg.Audit.Secret)

	cfg.Retention.Enabled = envBool("FLYWHEEL_RETENTION_ENABLED", cfg.Retention.Enabled)
	cfg.Retention.MaxAgeDays = envInt("FLYWHEEL_RETENTION_MAX_AGE_DAYS", cfg.Retention.MaxAgeDays)
	cfg.Retention.Interval = envDur("FLYWHEEL_RETENTION_INTERVAL", cfg.Retention.Interval)
	cfg.Retention.ArchivePath = envStr("FLYWHEEL_RETENTION_ARCHIVE_PATH", cfg.Retention.ArchivePath)
	cfg.Retention.Compress = envBool("FLYWHEEL_RETENTION_COMPRESS", cfg.Retention.Compress)

	cfg.Batch.Enabled = envBool("FLYWHEEL_BATCH_ENABLED", cfg.Batch.Enabled)
	cfg.Batch.Interval = envDur("FLYWHEEL_BATCH_INTERVAL", cfg.Batch.Interval)
	cfg.Batch.Workers = envInt("FLYWHEEL_BATCH_WORKERS", cfg.Batch.Workers)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)

	if raw := os.Getenv("FLYWHEEL_SCHEMA_VERSIONS"); raw != "" {
		cfg.SchemaVersions = parseSchemaVersions(raw)
	}
}

// parseSchemaVersions parses "erp=v2,crm=v1" into a map.
func parseSchemaVersions(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" {
			out[k] = v
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
