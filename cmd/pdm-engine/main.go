package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetpulse/pdm-engine/internal/alerts"
	"github.com/fleetpulse/pdm-engine/internal/api"
	"github.com/fleetpulse/pdm-engine/internal/baseline"
	"github.com/fleetpulse/pdm-engine/internal/config"
	"github.com/fleetpulse/pdm-engine/internal/engine"
	"github.com/fleetpulse/pdm-engine/internal/export"
	"github.com/fleetpulse/pdm-engine/internal/feedback"
	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/normalizer"
	"github.com/fleetpulse/pdm-engine/internal/patterns"
	"github.com/fleetpulse/pdm-engine/internal/scoring"
	"github.com/fleetpulse/pdm-engine/internal/store"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting pdm-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store: Postgres when a DSN is configured, otherwise a
	// process-local store so the engine still runs in development.
	var (
		alertRepo     alerts.Repo
		thresholdRepo feedback.ThresholdRepo
		quarantine    normalizer.QuarantineSink
		archiver      baseline.Archiver
		sink          engine.TelemetrySink
		pg            *store.PostgresStore
	)
	if cfg.Postgres.DSN != "" {
		pg, err = store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			logger.Error("postgres unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.InitSchema(ctx); err != nil {
			logger.Error("schema init failed", slog.Any("error", err))
			os.Exit(1)
		}
		alertRepo, thresholdRepo, quarantine, archiver, sink = pg, pg, pg, pg, pg
	} else {
		logger.Warn("no postgres dsn configured, using in-memory store")
		mem := store.NewMemoryStore()
		alertRepo, thresholdRepo, quarantine, archiver, sink = mem, mem, mem, mem, mem
	}

	var mirror baseline.Mirror
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		redisMirror, err := store.NewRedisMirror(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.StateTTL)
		if err != nil {
			logger.Warn("redis mirror unavailable", slog.Any("error", err))
		} else {
			mirror = redisMirror
			defer redisMirror.Close()
		}
	}

	var publisher alerts.Publisher = export.NewLogPublisher(logger)
	if cfg.Bus.Enabled && cfg.Bus.URL != "" {
		natsPub, err := export.NewNATSPublisher(logger, cfg.Bus.URL, cfg.Bus.SubjectPrefix)
		if err != nil {
			logger.Error("nats unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer natsPub.Close()
		publisher = natsPub
	}

	library, err := patterns.LoadLibrary(cfg.Patterns.Path)
	if err != nil {
		logger.Error("failed to load pattern pack", slog.String("path", cfg.Patterns.Path), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("pattern library loaded", slog.Int("templates", len(library.All())))

	norm := normalizer.New(logger, cfg.Signals, quarantine, cfg.Engine.SkewTolerance)
	baselines := baseline.NewStore(logger, cfg.Engine.EWMAAlpha, cfg.Engine.WarmupMinSamples, cfg.Engine.WarmupMinSpan, mirror)
	matcher := patterns.NewMatcher(logger, library)
	adjuster := feedback.NewAdjuster(logger, cfg.Feedback, cfg.Scoring.DefaultThreshold, thresholdRepo)
	scorer := scoring.NewScorer(logger, cfg.Scoring, adjuster)
	alertMgr := alerts.NewManager(logger, alertRepo, publisher, cfg.Alerts.RetentionWindow)
	vehicles := engine.NewRegistry()

	pipeline := engine.NewPipeline(logger, norm, baselines, matcher, scorer, alertMgr, vehicles, sink,
		cfg.Engine.Shards, cfg.Engine.QueueSize, cfg.Engine.ReorderBuffer)
	pipeline.Start(ctx)

	// Periodic sweep moving resolved alerts past retention into archived.
	go func() {
		interval := cfg.Alerts.ArchiveInterval
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := alertMgr.ArchiveExpired(ctx); err != nil {
					logger.Warn("archive sweep failed", slog.Any("error", err))
				} else if n > 0 {
					logger.Info("archived expired alerts", slog.Int("count", n))
				}
				if p95 := matcher.P95Latency(); p95 > 0 {
					logger.Debug("matcher latency", slog.Duration("p95", p95))
				}
			}
		}
	}()

	handlers := api.NewHandlers(logger, pipeline, alertMgr, adjuster, baselines, vehicles, library, matcher, archiver)
	server := api.NewServer(logger, cfg.Server, handlers)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	pipeline.Stop()
	if pg != nil {
		if err := pg.FlushSamples(context.Background()); err != nil {
			logger.Warn("telemetry archive flush", slog.Any("error", err))
		}
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("pdm-engine stopped")
}
