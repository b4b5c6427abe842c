package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	if c.Server.AgentRatePerMinute < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.agent_rate_per_minute",
			Message: fmt.Sprintf("rate must be at least 1 request/minute, got %d", c.Server.AgentRatePerMinute),
		})
	}
	if c.Server.AgentRateBurst < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.agent_rate_burst",
			Message: fmt.Sprintf("burst must be at least 1, got %d", c.Server.AgentRateBurst),
		})
	}

	// Validate database configuration
	validDatabaseTypes := map[string]bool{
		"sqlite":   true,
		"postgres": true,
	}
	if !validDatabaseTypes[c.Database.Type] {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type),
		})
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.postgres_url",
				Message: "postgres_url is required when database type is postgres",
			})
		}
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	// Validate tracing configuration
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampling_rate",
			Message: fmt.Sprintf("sampling_rate must be within [0,1], got %.3f", c.Tracing.SamplingRate),
		})
	}

	// Validate pipeline configuration
	if c.Pipeline.CycleSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.cycle_seconds",
			Message: fmt.Sprintf("cycle_seconds must be at least 1, got %d", c.Pipeline.CycleSeconds),
		})
	}
	if c.Pipeline.TelemetryMaxAgeSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.telemetry_max_age_seconds",
			Message: fmt.Sprintf("telemetry_max_age_seconds must be at least 1, got %d", c.Pipeline.TelemetryMaxAgeSeconds),
		})
	}
	if c.Pipeline.TrainEveryCycles < 0 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.train_every_cycles",
			Message: fmt.Sprintf("train_every_cycles cannot be negative, got %d", c.Pipeline.TrainEveryCycles),
		})
	}

	// Validate event lifecycle configuration
	if c.Events.DebounceThreshold < 1 {
		errs = append(errs, &ValidationError{
			Field:   "events.debounce_threshold",
			Message: fmt.Sprintf("debounce_threshold must be at least 1, got %d", c.Events.DebounceThreshold),
		})
	}
	if c.Events.ResolveThreshold < 1 {
		errs = append(errs, &ValidationError{
			Field:   "events.resolve_threshold",
			Message: fmt.Sprintf("resolve_threshold must be at least 1, got %d", c.Events.ResolveThreshold),
		})
	}
	if c.Events.CooldownHours < 0 {
		errs = append(errs, &ValidationError{
			Field:   "events.cooldown_hours",
			Message: fmt.Sprintf("cooldown_hours cannot be negative, got %d", c.Events.CooldownHours),
		})
	}
	if c.Events.EvidenceMax < 1 {
		errs = append(errs, &ValidationError{
			Field:   "events.evidence_max",
			Message: fmt.Sprintf("evidence_max must be at least 1, got %d", c.Events.EvidenceMax),
		})
	}

	// Validate baseline configuration. Span 1 makes α = 1 and the EWMA
	// degenerates to the raw value, so require at least 2.
	if c.Baseline.EwmaSpan < 2 {
		errs = append(errs, &ValidationError{
			Field:   "baseline.ewma_span",
			Message: fmt.Sprintf("ewma_span must be at least 2, got %d", c.Baseline.EwmaSpan),
		})
	}
	if c.Baseline.SoftRuleMinSamples < 0 {
		errs = append(errs, &ValidationError{
			Field:   "baseline.soft_rule_min_samples",
			Message: fmt.Sprintf("soft_rule_min_samples cannot be negative, got %d", c.Baseline.SoftRuleMinSamples),
		})
	}

	// Validate fleet configuration
	if c.Fleet.CacheTTLSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "fleet.cache_ttl_seconds",
			Message: fmt.Sprintf("cache_ttl_seconds must be at least 1, got %d", c.Fleet.CacheTTLSeconds),
		})
	}

	// Validate policy configuration
	if c.Policy.MaxNotificationsPerCycle < 0 {
		errs = append(errs, &ValidationError{
			Field:   "policy.max_notifications_per_cycle",
			Message: fmt.Sprintf("max_notifications_per_cycle cannot be negative, got %d", c.Policy.MaxNotificationsPerCycle),
		})
	}
	if c.Policy.MaxTicketsPerCycle < 0 {
		errs = append(errs, &ValidationError{
			Field:   "policy.max_tickets_per_cycle",
			Message: fmt.Sprintf("max_tickets_per_cycle cannot be negative, got %d", c.Policy.MaxTicketsPerCycle),
		})
	}
	if c.Policy.P2DurationGateMinutes < 0 {
		errs = append(errs, &ValidationError{
			Field:   "policy.p2_duration_gate_minutes",
			Message: fmt.Sprintf("p2_duration_gate_minutes cannot be negative, got %d", c.Policy.P2DurationGateMinutes),
		})
	}
	if c.Policy.P2PfailTicketThreshold < 0 || c.Policy.P2PfailTicketThreshold > 1 {
		errs = append(errs, &ValidationError{
			Field:   "policy.p2_pfail_ticket_threshold",
			Message: fmt.Sprintf("p2_pfail_ticket_threshold must be within [0,1], got %.3f", c.Policy.P2PfailTicketThreshold),
		})
	}

	// Validate ML configuration
	if c.ML.MinTrainSamples < 1 {
		errs = append(errs, &ValidationError{
			Field:   "ml.min_train_samples",
			Message: fmt.Sprintf("min_train_samples must be at least 1, got %d", c.ML.MinTrainSamples),
		})
	}
	if c.ML.MinPositiveLabels < 1 {
		errs = append(errs, &ValidationError{
			Field:   "ml.min_positive_labels",
			Message: fmt.Sprintf("min_positive_labels must be at least 1, got %d", c.ML.MinPositiveLabels),
		})
	}
	if c.ML.ModelDir == "" {
		errs = append(errs, &ValidationError{
			Field:   "ml.model_dir",
			Message: "model_dir is required",
		})
	}

	// Validate lock configuration. A heartbeat as long as the lease loses
	// the lock before it can be renewed.
	if c.Lock.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "lock.timeout_seconds",
			Message: fmt.Sprintf("timeout_seconds must be at least 1, got %d", c.Lock.TimeoutSeconds),
		})
	}
	if c.Lock.HeartbeatSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "lock.heartbeat_seconds",
			Message: fmt.Sprintf("heartbeat_seconds must be at least 1, got %d", c.Lock.HeartbeatSeconds),
		})
	}
	if c.Lock.HeartbeatSeconds >= c.Lock.TimeoutSeconds {
		errs = append(errs, &ValidationError{
			Field:   "lock.heartbeat_seconds",
			Message: fmt.Sprintf("heartbeat_seconds (%d) must be shorter than timeout_seconds (%d)", c.Lock.HeartbeatSeconds, c.Lock.TimeoutSeconds),
		})
	}

	// Validate dispatch configuration
	if c.Dispatch.RelayIntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "dispatch.relay_interval_seconds",
			Message: fmt.Sprintf("relay_interval_seconds must be at least 1, got %d", c.Dispatch.RelayIntervalSeconds),
		})
	}
	if c.Dispatch.RelayBatchSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "dispatch.relay_batch_size",
			Message: fmt.Sprintf("relay_batch_size must be at least 1, got %d", c.Dispatch.RelayBatchSize),
		})
	}

	// Validate retention configuration
	if c.Retention.ResolvedEventDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retention.resolved_event_days",
			Message: fmt.Sprintf("resolved_event_days must be at least 1, got %d", c.Retention.ResolvedEventDays),
		})
	}
	if c.Retention.OutboxDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retention.outbox_days",
			Message: fmt.Sprintf("outbox_days must be at least 1, got %d", c.Retention.OutboxDays),
		})
	}
	if c.Retention.SweepIntervalHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retention.sweep_interval_hours",
			Message: fmt.Sprintf("sweep_interval_hours must be at least 1, got %d", c.Retention.SweepIntervalHours),
		})
	}

	return errs
}
