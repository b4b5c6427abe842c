package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = []string{}
	cfg.Server.AgentRatePerMinute = 60
	cfg.Server.AgentRateBurst = 30

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/fleethealth/fleethealth.db"
	cfg.Database.PostgresURL = ""

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28

	// Tracing defaults (disabled until an endpoint is configured)
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.SamplingRate = 1.0

	// Pipeline defaults: 5-minute cadence, telemetry no older than one cycle
	cfg.Pipeline.CycleSeconds = 300
	cfg.Pipeline.TelemetryMaxAgeSeconds = 300
	cfg.Pipeline.TrainEveryCycles = 288

	// Event lifecycle defaults
	cfg.Events.DebounceThreshold = 2
	cfg.Events.ResolveThreshold = 3
	cfg.Events.CooldownHours = 24
	cfg.Events.EvidenceMax = 100

	// Baseline defaults: span 12 ≈ one hour of 5-minute samples
	cfg.Baseline.EwmaSpan = 12
	cfg.Baseline.SoftRuleMinSamples = 6

	// Fleet cache defaults
	cfg.Fleet.CacheTTLSeconds = 300

	// Policy defaults
	cfg.Policy.MaxNotificationsPerCycle = 20
	cfg.Policy.MaxTicketsPerCycle = 5
	cfg.Policy.P2DurationGateMinutes = 30
	cfg.Policy.P2PfailTicketThreshold = 0.5

	// ML defaults
	cfg.ML.MinTrainSamples = 50
	cfg.ML.MinPositiveLabels = 5
	cfg.ML.ModelDir = "/var/lib/fleethealth/models"

	// Lock defaults: lease covers one cycle, heartbeat well inside it
	cfg.Lock.TimeoutSeconds = 300
	cfg.Lock.HeartbeatSeconds = 60

	// Dispatch defaults
	cfg.Dispatch.SlackWebhookURL = ""
	cfg.Dispatch.RelayIntervalSeconds = 30
	cfg.Dispatch.RelayBatchSize = 100

	// Retention defaults
	cfg.Retention.ResolvedEventDays = 90
	cfg.Retention.OutboxDays = 30
	cfg.Retention.SweepIntervalHours = 24

	return cfg
}
