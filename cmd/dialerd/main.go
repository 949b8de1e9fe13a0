package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/darbyhtml/proficrm-sub003/internal/api"
	"github.com/darbyhtml/proficrm-sub003/internal/calllog"
	"github.com/darbyhtml/proficrm-sub003/internal/config"
	"github.com/darbyhtml/proficrm-sub003/internal/correlate"
	"github.com/darbyhtml/proficrm-sub003/internal/diag"
	"github.com/darbyhtml/proficrm-sub003/internal/health"
	"github.com/darbyhtml/proficrm-sub003/internal/heartbeat"
	"github.com/darbyhtml/proficrm-sub003/internal/metrics"
	"github.com/darbyhtml/proficrm-sub003/internal/outbox"
	"github.com/darbyhtml/proficrm-sub003/internal/poller"
	"github.com/darbyhtml/proficrm-sub003/internal/registry"
	"github.com/darbyhtml/proficrm-sub003/internal/store"
	"github.com/darbyhtml/proficrm-sub003/internal/telemetry"
	"github.com/darbyhtml/proficrm-sub003/internal/watcher"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("device_id", cfg.DeviceID).
		Str("api_base_url", cfg.APIBaseURL).
		Str("db_path", cfg.DBPath).
		Str("log_level", cfg.LogLevel).
		Msg("starting dialer daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open local storage
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer st.Close()

	// Shared infrastructure
	m := metrics.New()
	readiness := health.New()
	tokens := api.NewTokenSource(cfg.AuthToken)
	readiness.SetAuth(tokens.Valid())
	client := api.NewClient(cfg.APIBaseURL, cfg.DeviceID, tokens, log.Logger)

	// Pending call registry
	reg := registry.New(st, log.Logger)
	if err := reg.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load pending call registry")
	}

	// Delivery queue
	queue := outbox.New(st, client, m, readiness, outbox.Options{
		DeviceID:           cfg.DeviceID,
		MaxRetries:         cfg.MaxRetries,
		RetryBackoff:       cfg.RetryBackoff,
		StuckAlertInterval: cfg.StuckAlertInterval,
		GCHorizon:          cfg.QueueGCHorizon,
		FlushInterval:      cfg.FlushInterval,
		FlushLimit:         cfg.FlushLimit,
	}, log.Logger)
	go queue.Start(ctx)

	// Telemetry aggregator
	agg := telemetry.New(client, m, telemetry.Options{
		DeviceID:      cfg.DeviceID,
		BufferSize:    cfg.TelemetryBufferSize,
		FlushInterval: cfg.TelemetryFlushInterval,
	}, log.Logger)
	go agg.Start(ctx)

	// Call event watcher
	provider := calllog.NewFileProvider(cfg.CallLogPath)
	w := watcher.New(reg, provider, queue, st, m, readiness, agg, watcher.Options{
		Window: correlate.Window{
			Before:         cfg.MatchWindowBefore,
			After:          cfg.MatchWindowAfter,
			ExactProximity: cfg.ExactProximity,
		},
		ScanInterval:   cfg.ScanInterval,
		SweepInterval:  cfg.SweepInterval,
		ResolveTimeout: cfg.ResolveTimeout,
	}, log.Logger)
	go w.Start(ctx)

	// Command poller
	p := poller.New(client, reg, w, m, readiness, agg, poller.Options{
		PollWait:        cfg.PollWait,
		BurstInterval:   cfg.BurstInterval,
		BurstMaxCycles:  cfg.BurstMaxCycles,
		BurstMaxElapsed: cfg.BurstMaxElapsed,
		BurstCooldown:   cfg.BurstCooldown,
		DegradedBackoff: cfg.DegradedBackoff,
	}, log.Logger)
	go p.Start(ctx)

	// Heartbeat loop
	hb := heartbeat.New(queue, p, cfg.DeviceID, cfg.HeartbeatInterval, log.Logger)
	go hb.Start(ctx)

	// Diagnostics server
	diagServer := diag.NewServer(readiness, m, queue, reg, p, w, log.Logger)
	srv := &http.Server{
		Addr:         cfg.DiagAddr,
		Handler:      diagServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.DiagAddr).Msg("diagnostics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("diagnostics server failed")
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	// Stop the workers
	cancel()

	// Shut down the diagnostics server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("diagnostics server forced to shutdown")
	}

	// Flush what we can before exit
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	agg.Flush(flushCtx)
	if _, err := queue.Flush(flushCtx, cfg.FlushLimit); err != nil {
		log.Warn().Err(err).Msg("final queue flush failed")
	}

	log.Info().Msg("dialer daemon stopped")
}
