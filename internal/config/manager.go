package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("FLEETHEALTH")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// Config file is optional; defaults + env vars suffice.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.agent_rate_per_minute", defaults.Server.AgentRatePerMinute)
	m.viper.SetDefault("server.agent_rate_burst", defaults.Server.AgentRateBurst)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)

	// Pipeline defaults
	m.viper.SetDefault("pipeline.cycle_seconds", defaults.Pipeline.CycleSeconds)
	m.viper.SetDefault("pipeline.telemetry_max_age_seconds", defaults.Pipeline.TelemetryMaxAgeSeconds)
	m.viper.SetDefault("pipeline.train_every_cycles", defaults.Pipeline.TrainEveryCycles)

	// Event lifecycle defaults
	m.viper.SetDefault("events.debounce_threshold", defaults.Events.DebounceThreshold)
	m.viper.SetDefault("events.resolve_threshold", defaults.Events.ResolveThreshold)
	m.viper.SetDefault("events.cooldown_hours", defaults.Events.CooldownHours)
	m.viper.SetDefault("events.evidence_max", defaults.Events.EvidenceMax)

	// Baseline defaults
	m.viper.SetDefault("baseline.ewma_span", defaults.Baseline.EwmaSpan)
	m.viper.SetDefault("baseline.soft_rule_min_samples", defaults.Baseline.SoftRuleMinSamples)

	// Fleet defaults
	m.viper.SetDefault("fleet.cache_ttl_seconds", defaults.Fleet.CacheTTLSeconds)

	// Policy defaults
	m.viper.SetDefault("policy.max_notifications_per_cycle", defaults.Policy.MaxNotificationsPerCycle)
	m.viper.SetDefault("policy.max_tickets_per_cycle", defaults.Policy.MaxTicketsPerCycle)
	m.viper.SetDefault("policy.p2_duration_gate_minutes", defaults.Policy.P2DurationGateMinutes)
	m.viper.SetDefault("policy.p2_pfail_ticket_threshold", defaults.Policy.P2PfailTicketThreshold)

	// ML defaults
	m.viper.SetDefault("ml.min_train_samples", defaults.ML.MinTrainSamples)
	m.viper.SetDefault("ml.min_positive_labels", defaults.ML.MinPositiveLabels)
	m.viper.SetDefault("ml.model_dir", defaults.ML.ModelDir)

	// Lock defaults
	m.viper.SetDefault("lock.timeout_seconds", defaults.Lock.TimeoutSeconds)
	m.viper.SetDefault("lock.heartbeat_seconds", defaults.Lock.HeartbeatSeconds)

	// Dispatch defaults
	m.viper.SetDefault("dispatch.slack_webhook_url", defaults.Dispatch.SlackWebhookURL)
	m.viper.SetDefault("dispatch.relay_interval_seconds", defaults.Dispatch.RelayIntervalSeconds)
	m.viper.SetDefault("dispatch.relay_batch_size", defaults.Dispatch.RelayBatchSize)

	// Retention defaults
	m.viper.SetDefault("retention.resolved_event_days", defaults.Retention.ResolvedEventDays)
	m.viper.SetDefault("retention.outbox_days", defaults.Retention.OutboxDays)
	m.viper.SetDefault("retention.sweep_interval_hours", defaults.Retention.SweepIntervalHours)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.AgentRatePerMinute = m.viper.GetInt("server.agent_rate_per_minute")
	cfg.Server.AgentRateBurst = m.viper.GetInt("server.agent_rate_burst")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.FilePath = m.viper.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	// Pipeline
	cfg.Pipeline.CycleSeconds = m.viper.GetInt("pipeline.cycle_seconds")
	cfg.Pipeline.TelemetryMaxAgeSeconds = m.viper.GetInt("pipeline.telemetry_max_age_seconds")
	cfg.Pipeline.TrainEveryCycles = m.viper.GetInt("pipeline.train_every_cycles")

	// Events
	cfg.Events.DebounceThreshold = m.viper.GetInt("events.debounce_threshold")
	cfg.Events.ResolveThreshold = m.viper.GetInt("events.resolve_threshold")
	cfg.Events.CooldownHours = m.viper.GetInt("events.cooldown_hours")
	cfg.Events.EvidenceMax = m.viper.GetInt("events.evidence_max")

	// Baseline
	cfg.Baseline.EwmaSpan = m.viper.GetInt("baseline.ewma_span")
	cfg.Baseline.SoftRuleMinSamples = m.viper.GetInt("baseline.soft_rule_min_samples")

	// Fleet
	cfg.Fleet.CacheTTLSeconds = m.viper.GetInt("fleet.cache_ttl_seconds")

	// Policy
	cfg.Policy.MaxNotificationsPerCycle = m.viper.GetInt("policy.max_notifications_per_cycle")
	cfg.Policy.MaxTicketsPerCycle = m.viper.GetInt("policy.max_tickets_per_cycle")
	cfg.Policy.P2DurationGateMinutes = m.viper.GetInt("policy.p2_duration_gate_minutes")
	cfg.Policy.P2PfailTicketThreshold = m.viper.GetFloat64("policy.p2_pfail_ticket_threshold")

	// ML
	cfg.ML.MinTrainSamples = m.viper.GetInt("ml.min_train_samples")
	cfg.ML.MinPositiveLabels = m.viper.GetInt("ml.min_positive_labels")
	cfg.ML.ModelDir = m.viper.GetString("ml.model_dir")

	// Lock
	cfg.Lock.TimeoutSeconds = m.viper.GetInt("lock.timeout_seconds")
	cfg.Lock.HeartbeatSeconds = m.viper.GetInt("lock.heartbeat_seconds")

	// Dispatch
	cfg.Dispatch.SlackWebhookURL = m.viper.GetString("dispatch.slack_webhook_url")
	cfg.Dispatch.RelayIntervalSeconds = m.viper.GetInt("dispatch.relay_interval_seconds")
	cfg.Dispatch.RelayBatchSize = m.viper.GetInt("dispatch.relay_batch_size")

	// Retention
	cfg.Retention.ResolvedEventDays = m.viper.GetInt("retention.resolved_event_days")
	cfg.Retention.OutboxDays = m.viper.GetInt("retention.outbox_days")
	cfg.Retention.SweepIntervalHours = m.viper.GetInt("retention.sweep_interval_hours")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies the bare legacy knob names deployments already
// set. These predate the FLEETHEALTH_* scheme and win over the config file.
func (m *viperConfigManager) applyEnvOverrides() {
	overrideInt := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	overrideFloat := func(name string, dst *float64) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				*dst = v
			}
		}
	}

	overrideInt("DEBOUNCE_THRESHOLD", &m.config.Events.DebounceThreshold)
	overrideInt("RESOLVE_THRESHOLD", &m.config.Events.ResolveThreshold)
	overrideInt("COOLDOWN_HOURS", &m.config.Events.CooldownHours)
	overrideInt("EVIDENCE_MAX", &m.config.Events.EvidenceMax)

	overrideInt("EWMA_SPAN", &m.config.Baseline.EwmaSpan)
	overrideInt("SOFT_RULE_MIN_SAMPLES", &m.config.Baseline.SoftRuleMinSamples)

	overrideInt("FLEET_CACHE_TTL_SECONDS", &m.config.Fleet.CacheTTLSeconds)

	overrideInt("MAX_NOTIFICATIONS_PER_CYCLE", &m.config.Policy.MaxNotificationsPerCycle)
	overrideInt("MAX_TICKETS_PER_CYCLE", &m.config.Policy.MaxTicketsPerCycle)
	overrideInt("P2_DURATION_GATE_MINUTES", &m.config.Policy.P2DurationGateMinutes)
	overrideFloat("P2_PFAIL_TICKET_THRESHOLD", &m.config.Policy.P2PfailTicketThreshold)

	overrideInt("MIN_TRAIN_SAMPLES", &m.config.ML.MinTrainSamples)
	overrideInt("MIN_POSITIVE_LABELS", &m.config.ML.MinPositiveLabels)

	overrideInt("SCHEDULER_LOCK_TIMEOUT_SECONDS", &m.config.Lock.TimeoutSeconds)

	// Database URL from environment
	if url := os.Getenv("FLEETHEALTH_DATABASE_URL"); url != "" {
		m.config.Database.Type = "postgres"
		m.config.Database.PostgresURL = url
	}
}
