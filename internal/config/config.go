// Package config provides configuration management for fleethealthd.
//
// Responsibilities:
//   - Load configuration from a YAML file and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all pipeline tunables
//   - Support configuration reloading for tunables that allow it
//   - Establish the documented defaults
//
// Configuration sources (priority order, high to low):
//  1. Environment variables (FLEETHEALTH_* prefix, plus the bare legacy
//     knob names such as DEBOUNCE_THRESHOLD recognized for compatibility
//     with existing deployments)
//  2. YAML config file (default: /etc/fleethealth/config.yaml)
//  3. Built-in defaults
//
// Tunables that govern the event lifecycle (debounce, resolve, cooldown)
// must be uniform across every process sharing a datastore; mixing values
// breaks the single-active-event guarantee.
package config

import "context"

// Config contains all configuration fields.
type Config struct {
	// HTTP server configuration
	Server struct {
		Port int
		// AllowedOrigins lists origins permitted on the query API and the
		// websocket health stream. Empty means same-host tooling only.
		AllowedOrigins []string
		// Per-agent ingest rate limiting (token bucket).
		AgentRatePerMinute int
		AgentRateBurst     int
	}

	// Database configuration
	Database struct {
		Type        string // "sqlite" | "postgres"
		SQLitePath  string
		PostgresURL string
	}

	// Logging configuration
	Logging struct {
		Level      string // "debug" | "info" | "warn" | "error"
		Format     string // "json" | "text"
		FilePath   string // empty disables the rotating file sink
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	// Tracing configuration; empty endpoint disables tracing.
	Tracing struct {
		Endpoint     string
		SamplingRate float64
	}

	// Pipeline cadence
	Pipeline struct {
		CycleSeconds           int
		TelemetryMaxAgeSeconds int
		// TrainEveryCycles runs a WeakSupervisor training pass every N
		// cycles (288 = daily at 5-minute cadence). 0 disables scheduled
		// training; the train subcommand still works.
		TrainEveryCycles int
	}

	// Event lifecycle tunables
	Events struct {
		DebounceThreshold int
		ResolveThreshold  int
		CooldownHours     int
		EvidenceMax       int
	}

	// Baseline tunables
	Baseline struct {
		EwmaSpan           int
		SoftRuleMinSamples int
	}

	// Fleet statistics cache
	Fleet struct {
		CacheTTLSeconds int
	}

	// Policy budgets and gates
	Policy struct {
		MaxNotificationsPerCycle int
		MaxTicketsPerCycle       int
		P2DurationGateMinutes    int
		P2PfailTicketThreshold   float64
	}

	// ML training gates and model storage
	ML struct {
		MinTrainSamples   int
		MinPositiveLabels int
		ModelDir          string
	}

	// Scheduler lock lease
	Lock struct {
		TimeoutSeconds   int
		HeartbeatSeconds int
	}

	// Outbox relay
	Dispatch struct {
		SlackWebhookURL      string
		RelayIntervalSeconds int
		RelayBatchSize       int
	}

	// Retention sweeper
	Retention struct {
		ResolvedEventDays  int
		OutboxDays         int
		SweepIntervalHours int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with the default
// config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/fleethealth/config.yaml")
}
