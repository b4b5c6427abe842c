// Command fleethealthd runs the fleet health and problem event pipeline:
// agents push miner telemetry into the ingest API, a periodic cycle turns it
// into baselines, detections and lifecycle events, and the query API, health
// stream and outbox relay expose the results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ArabotHXL/BTC-project-sub002/internal/baseline"
	"github.com/ArabotHXL/BTC-project-sub002/internal/config"
	"github.com/ArabotHXL/BTC-project-sub002/internal/dispatch"
	"github.com/ArabotHXL/BTC-project-sub002/internal/events"
	"github.com/ArabotHXL/BTC-project-sub002/internal/fleet"
	"github.com/ArabotHXL/BTC-project-sub002/internal/health"
	"github.com/ArabotHXL/BTC-project-sub002/internal/logging"
	"github.com/ArabotHXL/BTC-project-sub002/internal/ml"
	"github.com/ArabotHXL/BTC-project-sub002/internal/mode"
	"github.com/ArabotHXL/BTC-project-sub002/internal/pipeline"
	"github.com/ArabotHXL/BTC-project-sub002/internal/policy"
	"github.com/ArabotHXL/BTC-project-sub002/internal/rules"
	"github.com/ArabotHXL/BTC-project-sub002/internal/server"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/tracing"
)

// Build information, stamped by the release pipeline via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	// healthCacheSize bounds the LRU of cycle-end health objects; at one
	// entry per miner this covers any realistic fleet.
	healthCacheSize = 100000

	// healthCacheTTL is how long an assessment stays servable after its
	// miner stops appearing in cycles.
	healthCacheTTL = time.Hour
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "fleethealthd",
		Short:         "Fleet health and problem event pipeline",
		Long:          "fleethealthd ingests miner telemetry from site agents, maintains per-miner baselines and operating modes, evaluates the problem rule taxonomy, drives the event lifecycle, and serves fleet health over HTTP and websocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "/etc/fleethealth/config.yaml", "path to the YAML config file")

	cmd.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newCycleCmd(a),
		newTrainCmd(a),
		newVersionCmd(),
	)

	cmd.SetVersionTemplate(fmt.Sprintf("fleethealthd {{.Version}} (commit %s, built %s)\n", commit, buildDate))
	cmd.SetErrPrefix("fleethealthd: ")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest API, pipeline loop, outbox relay and retention sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runServe(ctx)
		},
	}
}

func (a *app) runServe(ctx context.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Init("fleethealthd", cfg.Tracing.Endpoint, cfg.Tracing.SamplingRate)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	comp := buildComponents(cfg, st, logger)
	orch := pipeline.NewOrchestrator(comp, pipeline.Settings{
		CycleInterval:    time.Duration(cfg.Pipeline.CycleSeconds) * time.Second,
		TelemetryMaxAge:  time.Duration(cfg.Pipeline.TelemetryMaxAgeSeconds) * time.Second,
		TrainEveryCycles: cfg.Pipeline.TrainEveryCycles,
	}, logger)
	relay := buildRelay(cfg, st, logger)
	sweeper := buildSweeper(cfg, st, logger)

	srv := server.NewServer(server.Options{
		Port:               cfg.Server.Port,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		AgentRatePerMinute: cfg.Server.AgentRatePerMinute,
		AgentRateBurst:     cfg.Server.AgentRateBurst,
	}, server.Deps{
		Store:  st,
		Events: comp.Events,
		Health: comp.Health,
		Stream: comp.Stream,
	}, logger)

	logger.Info("fleethealthd starting",
		zap.String("version", version),
		zap.String("database", cfg.Database.Type),
		zap.Int("port", cfg.Server.Port),
		zap.Int("cycle_seconds", cfg.Pipeline.CycleSeconds))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return orch.Loop(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("fleethealthd stopped")
	return nil
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema is current")
			return nil
		},
	}
}

func newCycleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run exactly one analysis cycle and exit",
		Long:  "cycle runs one pipeline pass under the scheduler lock and exits, for cron-style deployments without the resident loop. A lock held by another replica is a clean no-op.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			orch := pipeline.NewOrchestrator(buildComponents(cfg, st, logger), pipeline.Settings{
				CycleInterval:    time.Duration(cfg.Pipeline.CycleSeconds) * time.Second,
				TelemetryMaxAge:  time.Duration(cfg.Pipeline.TelemetryMaxAgeSeconds) * time.Second,
				TrainEveryCycles: 0,
			}, logger)
			if err := orch.RunCycle(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cycle complete")
			return nil
		},
	}
}

func newTrainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Run one failure-model training pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			sup := ml.NewSupervisor(st, ml.Settings{
				MinTrainSamples:   cfg.ML.MinTrainSamples,
				MinPositiveLabels: cfg.ML.MinPositiveLabels,
				ModelDir:          cfg.ML.ModelDir,
			}, logger)
			report, err := sup.Train(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fleethealthd %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return mgr.Get(ctx), nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}

// openStore opens the configured database and applies pending migrations.
func openStore(cfg *config.Config) (store.Store, error) {
	dsn := cfg.Database.SQLitePath
	if cfg.Database.Type == "postgres" {
		dsn = cfg.Database.PostgresURL
	}
	return store.Open(cfg.Database.Type, dsn)
}

// buildComponents wires every pipeline collaborator from the configuration.
// The event lifecycle settings must match across all replicas sharing the
// datastore.
func buildComponents(cfg *config.Config, st store.Store, logger *zap.Logger) pipeline.Components {
	return pipeline.Components{
		Store:     st,
		Baselines: baseline.NewService(st, cfg.Baseline.EwmaSpan, logger),
		Modes:     mode.NewInferer(st, logger),
		Fleet:     fleet.NewBaseliner(time.Duration(cfg.Fleet.CacheTTLSeconds)*time.Second, logger),
		Rules:     rules.NewEngine(cfg.Baseline.SoftRuleMinSamples),
		Events: events.NewEngine(st, events.Settings{
			DebounceThreshold: cfg.Events.DebounceThreshold,
			ResolveThreshold:  cfg.Events.ResolveThreshold,
			Cooldown:          time.Duration(cfg.Events.CooldownHours) * time.Hour,
			EvidenceMax:       cfg.Events.EvidenceMax,
		}, logger),
		Policy: policy.NewEngine(st, policy.Settings{
			MaxNotifications: cfg.Policy.MaxNotificationsPerCycle,
			MaxTickets:       cfg.Policy.MaxTicketsPerCycle,
			P2DurationGate:   time.Duration(cfg.Policy.P2DurationGateMinutes) * time.Minute,
			P2PfailTicket:    cfg.Policy.P2PfailTicketThreshold,
		}, logger),
		ML: ml.NewSupervisor(st, ml.Settings{
			MinTrainSamples:   cfg.ML.MinTrainSamples,
			MinPositiveLabels: cfg.ML.MinPositiveLabels,
			ModelDir:          cfg.ML.ModelDir,
		}, logger),
		Health: health.NewCache(healthCacheSize, healthCacheTTL),
		Stream: health.NewHub(logger),
		Lock: pipeline.NewLockManager(st, pipeline.CycleLockName, "",
			time.Duration(cfg.Lock.TimeoutSeconds)*time.Second,
			time.Duration(cfg.Lock.HeartbeatSeconds)*time.Second,
			logger),
	}
}

// buildRelay picks the notification sink: Slack when a webhook is configured,
// the log otherwise. Tickets always go to the log; downstream ticketing owns
// real delivery.
func buildRelay(cfg *config.Config, st store.Store, logger *zap.Logger) *dispatch.Relay {
	var notify dispatch.Sink = dispatch.NewLogSink(logger)
	if cfg.Dispatch.SlackWebhookURL != "" {
		notify = dispatch.NewSlackSink(cfg.Dispatch.SlackWebhookURL, logger)
	}

	settings := dispatch.DefaultSettings()
	settings.Interval = time.Duration(cfg.Dispatch.RelayIntervalSeconds) * time.Second
	settings.BatchSize = cfg.Dispatch.RelayBatchSize
	return dispatch.NewRelay(st, notify, dispatch.NewLogSink(logger), settings, logger)
}

func buildSweeper(cfg *config.Config, st store.Store, logger *zap.Logger) *pipeline.Sweeper {
	lock := pipeline.NewLockManager(st, pipeline.SweepLockName, "",
		time.Duration(cfg.Lock.TimeoutSeconds)*time.Second,
		time.Duration(cfg.Lock.HeartbeatSeconds)*time.Second,
		logger)
	return pipeline.NewSweeper(st, lock, pipeline.RetentionSettings{
		ResolvedEventAge: time.Duration(cfg.Retention.ResolvedEventDays) * 24 * time.Hour,
		DispatchedAge:    time.Duration(cfg.Retention.OutboxDays) * 24 * time.Hour,
		Interval:         time.Duration(cfg.Retention.SweepIntervalHours) * time.Hour,
	}, logger)
}
