package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/secondchance/internal/approval"
	"github.com/goodtune/secondchance/internal/bridge"
	"github.com/goodtune/secondchance/internal/config"
	"github.com/goodtune/secondchance/internal/coordinator"
	"github.com/goodtune/secondchance/internal/crisis"
	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/notify"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/goodtune/secondchance/internal/systemd"
	"github.com/goodtune/secondchance/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the SecondChance engine",
	Long:  `Start the engine with the platform bridge socket, background workers and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Bool("systemd", systemd.IsSystemdService()).
		Msg("Starting SecondChance")

	loc, err := cfg.Policy.Location()
	if err != nil {
		return err
	}

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The bridge is both the observer and a notice channel, so it is
	// created first and attached once the coordinator exists.
	bridgeServer := bridge.NewServer(cfg.Bridge.SocketPath, logger)
	if sdListeners.Bridge != nil {
		bridgeServer.SetListener(sdListeners.Bridge)
	}
	notifier := notify.Multi{notify.NewLogNotifier(logger), bridgeServer}

	linter, err := policy.NewLinter(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize restriction linter: %w", err)
	}

	registry := policy.NewRegistry(
		store.Restrictions(),
		store.Grants(),
		linter,
		notifier,
		policy.RegistryConfig{
			CacheSize: cfg.Policy.RestrictionCacheSize,
			CacheTTL:  config.ParseDuration(cfg.Policy.RestrictionCacheTTL, 30*time.Second),
		},
		logger,
	)
	if err := registry.LoadGrants(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load grants, continuing without them")
	}
	lintStoredRestrictions(ctx, linter, store.Restrictions(), logger)

	tracker := usage.NewTracker(store.Usage(), registry, usage.Config{
		Location:      loc,
		RetryInterval: config.ParseDuration(cfg.Usage.PersistRetryInterval, usage.DefaultRetryInterval),
	}, logger)

	rollover := usage.NewRolloverScheduler(tracker, logger)

	override := crisis.New(store.CrisisAudit(), crisis.Config{
		DefaultDuration: config.ParseDuration(cfg.Crisis.DefaultDuration, crisis.DefaultDuration),
		MaxDuration:     config.ParseDuration(cfg.Crisis.MaxDuration, crisis.MaxDuration),
	}, logger)

	buffer := cfg.Approval.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	denied := make(chan coordinator.AccessDenied, buffer)

	coord := coordinator.New(registry, tracker, override, bridgeServer, denied, coordinator.Config{
		PollInterval: config.ParseDuration(cfg.Policy.PollInterval, coordinator.DefaultPollInterval),
		Location:     loc,
	}, logger)

	workflow := approval.NewWorkflow(store.Approvals(), store.Outbox(), registry, notifier, approval.Config{
		RequestTimeout:     config.ParseDuration(cfg.Approval.RequestTimeout, approval.DefaultRequestTimeout),
		DefaultGrant:       config.ParseDuration(cfg.Approval.DefaultGrant, approval.DefaultGrant),
		SweepInterval:      config.ParseDuration(cfg.Approval.SweepInterval, time.Minute),
		OutboxPollInterval: config.ParseDuration(cfg.Approval.OutboxPollInterval, 2*time.Second),
	}, logger)

	bridgeServer.Attach(coord, workflow, registry)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { coord.Run(gctx); return nil })
	g.Go(func() error { tracker.Run(gctx); return nil })
	g.Go(func() error {
		override.Run(gctx, config.ParseDuration(cfg.Usage.PersistRetryInterval, usage.DefaultRetryInterval))
		return nil
	})
	g.Go(func() error { workflow.Consume(gctx, denied); return nil })
	g.Go(func() error { workflow.RunSweeper(gctx); return nil })
	g.Go(func() error { workflow.RunOutboxWorker(gctx); return nil })
	if interval := systemd.WatchdogInterval(); interval > 0 {
		g.Go(func() error { runWatchdog(gctx, interval); return nil })
	}

	rollover.Start()

	if err := bridgeServer.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start bridge")
		stop()
		_ = g.Wait()
		return err
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start metrics server")
		}
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	logger.Info().
		Str("bridge", cfg.Bridge.SocketPath).
		Str("timezone", loc.String()).
		Msg("SecondChance startup complete")

	<-ctx.Done()

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	if err := bridgeServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping bridge")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}
	rollover.Stop()
	_ = g.Wait()

	// Record whatever was still open and give pending writes a last try
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, appID := range tracker.OpenSessions() {
		tracker.EndSession(shutdownCtx, appID)
	}
	if err := tracker.RetryPending(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("pending", tracker.PendingWrites()).Msg("Usage writes lost at shutdown")
	}
	if err := override.FlushAudit(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("pending", override.PendingAudit()).Msg("Crisis audit entries lost at shutdown")
	}

	logger.Info().Msg("SecondChance stopped")
	return nil
}

// lintStoredRestrictions logs warnings for stored restrictions that
// predate the current lint rules.
func lintStoredRestrictions(ctx context.Context, linter *policy.Linter, restrictions storage.RestrictionStore, logger zerolog.Logger) {
	records, err := restrictions.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list restrictions for lint")
		return
	}
	warnings, err := linter.Lint(ctx, records)
	if err != nil {
		logger.Warn().Err(err).Msg("Restriction lint failed")
		return
	}
	for _, w := range warnings {
		metrics.PolicyWarnings.Inc()
		logger.Warn().Str("app_id", w.AppID).Str("warning", w.Message).Msg("Stored restriction is misconfigured")
	}
}

func runWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = systemd.NotifyWatchdog()
		}
	}
}
