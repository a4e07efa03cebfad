package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"liveclass/internal/api"
	"liveclass/internal/attendance"
	"liveclass/internal/auth"
	"liveclass/internal/broadcast"
	"liveclass/internal/conference"
	"liveclass/internal/config"
	"liveclass/internal/lifecycle"
	"liveclass/internal/logging"
	"liveclass/internal/metrics"
	"liveclass/internal/push"
	"liveclass/internal/queue"
	"liveclass/internal/session"
	"liveclass/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)
	health := map[string]api.HealthCheck{}

	sessions, records, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if db != nil {
		health["db"] = db.Healthy
	}

	relay, rdb := openRelay(cfg, logger)
	defer rdb.Close()
	if rdb != nil {
		health["redis"] = rdb.Healthy
	}

	bc := broadcast.New(relay, broadcast.Options{
		PendingSize:    cfg.BroadcastPending,
		SubscriberSize: cfg.BroadcastSubscriber,
		Logger:         logger,
		Metrics:        m,
	})
	if err := bc.Start(ctx); err != nil {
		return fmt.Errorf("starting broadcaster: %w", err)
	}

	meetings := conference.New(cfg.ConferenceURL, cfg.ConferenceKey, cfg.ConferenceSecret, cfg.ConferenceSkip, cfg.ConferenceTTL)
	if !cfg.ConferenceSkip {
		health["conference"] = func(ctx context.Context) bool { return meetings.Health(ctx) == nil }
	}

	registry := session.NewRegistry(sessions, meetings, bc, session.Options{Logger: logger})
	tracker := attendance.NewTracker(records, registry, bc, attendance.Options{
		PresentThreshold: cfg.PresentThreshold,
		Logger:           logger,
		Metrics:          m,
	})
	sched := lifecycle.New(registry, tracker, bc, lifecycle.Options{
		Interval: cfg.SweepInterval,
		Grace:    cfg.GracePeriod,
		Logger:   logger,
		Metrics:  m,
	})

	router := api.NewRouter(api.Deps{
		Sessions:  registry,
		Scheduler: sched,
		Tracker:   tracker,
		Push:      push.New(bc, push.Options{Logger: logger}),
		Auth: auth.Config{
			SigningKey: cfg.JWTSigningKey,
			Issuer:     cfg.JWTIssuer,
			Disabled:   cfg.AuthDisabled,
		},
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
		Health:          health,
		Logger:          logger,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = sched.Run(sweepCtx)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: push streams stay open
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "events", cfg.EventBackend, "auth_disabled", cfg.AuthDisabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serveErr:
		stopSweep()
		<-sweepDone
		bc.Close()
		return err
	}

	stopSweep()
	<-sweepDone
	bc.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}
	logger.Info("server exited")
	return nil
}

// openStore selects the durable backend. The returned *store.DB is nil for
// the memory backend; its Close is nil-safe.
func openStore(ctx context.Context, cfg config.App, logger *slog.Logger) (session.Repository, attendance.Repository, *store.DB, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return session.NewMemoryRepository(), attendance.NewMemoryRepository(), nil, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL, store.DBOptions{MaxOpenConns: cfg.DBMaxOpenConns})
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.MigrateOnStart {
		if err := store.Migrate(db.Client, logger); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
	}
	return session.NewPostgresRepository(db.Client), attendance.NewPostgresRepository(db.Client), db, nil
}

// openRelay selects the event relay. The returned *store.Redis is nil for
// the memory backend; its Close is nil-safe.
func openRelay(cfg config.App, logger *slog.Logger) (queue.Queue, *store.Redis) {
	if cfg.EventBackend == "memory" {
		return queue.NewInMemory(cfg.BroadcastPending), nil
	}
	rdb := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	return queue.NewRedisPubSub(rdb.Client, cfg.EventChannel, logger), rdb
}
