// clipbot - Telegram clip intake and local/remote dispatch server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/clipbot/internal/api"
	"github.com/ashureev/clipbot/internal/config"
	"github.com/ashureev/clipbot/internal/conversation"
	"github.com/ashureev/clipbot/internal/dispatch"
	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/feed"
	"github.com/ashureev/clipbot/internal/jobs"
	"github.com/ashureev/clipbot/internal/metrics"
	"github.com/ashureev/clipbot/internal/middleware"
	"github.com/ashureev/clipbot/internal/notify"
	"github.com/ashureev/clipbot/internal/session"
	"github.com/ashureev/clipbot/internal/store"
	"github.com/ashureev/clipbot/internal/trigger"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"hybrid", cfg.Intake.Hybrid,
		"default_mode", cfg.Intake.DefaultMode,
		"escalation_wait", cfg.EscalationWait,
		"remote_configured", cfg.RemoteConfigured())

	// Optional job event log.
	var repo store.Repository
	if cfg.DBPath != "" {
		repo, err = store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()

		if err := repo.Ping(context.Background()); err != nil {
			slog.Error("Database health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Job event log connected", "path", cfg.DBPath)
	} else {
		slog.Info("Job event log disabled (DB_PATH empty)")
	}

	// Core state.
	registry := jobs.NewRegistry()
	sessions := session.NewStore()
	hub := feed.NewHub()
	defer hub.Close()

	// Outbound clients.
	relay := notify.NewRelay(notify.Config{
		APIBase:        cfg.Telegram.APIBase,
		Token:          cfg.Telegram.Token,
		RatePerSecond:  cfg.Telegram.RatePerSecond,
		MaxUploadBytes: cfg.Telegram.MaxUploadBytes,
	})
	trig := trigger.NewClient(trigger.Config{
		APIBase:        cfg.GitHub.APIBase,
		Repo:           cfg.GitHub.Repo,
		Token:          cfg.GitHub.Token,
		EventType:      cfg.GitHub.EventType,
		Timeout:        cfg.GitHub.Timeout,
		MaxAttempts:    cfg.GitHub.MaxAttempts,
		RetryBaseDelay: cfg.GitHub.RetryBaseDelay,
	})
	if !trig.Configured() {
		slog.Warn("GITHUB_TOKEN or GITHUB_REPO not set, remote dispatch will fail")
	}

	sinks := []dispatch.EventSink{hub}
	var events api.EventLister
	var dbPinger api.Pinger
	if repo != nil {
		sinks = append(sinks, repo)
		events = repo
		dbPinger = repo
	}

	coord := dispatch.NewCoordinator(registry, trig, relay, sessions,
		dispatch.Config{
			EscalationWait:  cfg.EscalationWait,
			DispatchTimeout: time.Duration(cfg.GitHub.MaxAttempts)*cfg.GitHub.Timeout + 5*time.Second,
		},
		dispatch.WithEventSinks(sinks...),
	)

	machine := conversation.NewMachine(sessions, registry, coord, relay, conversation.Options{
		Hybrid:         cfg.Intake.Hybrid,
		DefaultMode:    cfg.Intake.DefaultMode,
		MaxClips:       cfg.Intake.MaxClips,
		Durations:      cfg.Intake.ClipDurations,
		EscalationWait: cfg.EscalationWait,
	})

	// Initialize handlers.
	webhookHandler := api.NewWebhookHandler(machine, relay, cfg.WebhookSecret)
	workerHandler := api.NewWorkerHandler(registry, coord, events, cfg.Telegram.MaxUploadBytes)
	remoteHandler := api.NewRemoteHandler(coord)
	healthHandler := api.NewHealthHandler(dbPinger, registry, api.HealthConfig{
		WorkerPollInterval: cfg.WorkerPollInterval,
		EscalationWait:     cfg.EscalationWait,
		Hybrid:             cfg.Intake.Hybrid,
		RemoteConfigured:   cfg.RemoteConfigured(),
	})
	feedHandler := feed.NewWebSocketHandler(hub, registry)

	httpMetrics := middleware.NewMetrics("clipbot")
	if err := httpMetrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Error("Failed to register HTTP metrics", "error", err)
		os.Exit(1)
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(httpMetrics.Handler)

	healthHandler.RegisterHealth(r)
	workerHandler.RegisterRoutes(r)
	r.Post("/webhook", webhookHandler.ServeHTTP)
	r.Post("/notify", remoteHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint.
	r.Get("/ws/jobs", feedHandler.ServeHTTP)

	// Clip uploads and the event feed need long writes, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start job sweeper.
	jobs.StartSweeper(ctx, registry, cfg.SweepInterval, cfg.JobTTL, func(ctx context.Context, expired []domain.Job) {
		coord.Expire(ctx, expired)

		if n := sessions.SweepIdle(cfg.JobTTL); n > 0 {
			slog.Info("Idle sessions removed", "count", n, "remaining", sessions.Len())
		}
		if repo != nil {
			if n, err := repo.CleanupExpiredEvents(ctx, cfg.JobTTL); err != nil {
				slog.Warn("Failed to prune job events", "error", err)
			} else if n > 0 {
				slog.Info("Job events pruned", "count", n)
			}
		}
		for status, count := range registry.CountByStatus() {
			metrics.UpdateJobsByStatus(string(status), count)
		}
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Open feed connections only end when the hub closes.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
