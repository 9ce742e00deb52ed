package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/agentmem"
	"github.com/eldtechnologies/agentrelay/internal/api"
	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/config"
	"github.com/eldtechnologies/agentrelay/internal/ingest"
	"github.com/eldtechnologies/agentrelay/internal/store"
	"github.com/eldtechnologies/agentrelay/internal/subscriber"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.Level(cfg.LogLevel)

	ctx := context.Background()

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store initialization failed")
	}
	defer backend.Close()

	breakerOpts := cfg.Breaker
	breakerOpts.Logger = logger
	guarded := store.NewGuarded(backend, breakerOpts)

	events := bus.New(logger)
	defer events.Close()

	svc := ingest.NewService(guarded, events, logger)
	if _, err := svc.EnsureDefaultServer(ctx); err != nil {
		logger.Fatal().Err(err).Msg("default server setup failed")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Agents colocated with the server share its bus and read membership
	// straight from the guarded store.
	agents := subscriber.NewRegistry()
	for _, agentID := range cfg.AgentIDs {
		mem, err := agentmem.Open(ctx, cfg.RedisURL, agentID)
		if err != nil {
			logger.Fatal().Err(err).Str("agent_id", agentID).Msg("agent memory unavailable")
		}
		defer mem.Close()

		rt := agentmem.NewRuntime(agentID, agentmem.NewGuarded(mem, agentID, breakerOpts), agentmem.RuntimeOptions{
			Settings: map[string]string{subscriber.SettingCentralURL: cfg.CentralURL},
			Sink:     agentmem.LogSink(logger.With().Str("agent_id", agentID).Logger()),
			Logger:   logger,
		})
		sub := subscriber.New(rt, events, subscriber.Options{
			Directory:      subscriber.StoreDirectory{Store: guarded},
			RequestTimeout: cfg.SubscriberRequestTimeout,
			Logger:         logger,
		})
		if err := agents.Add(ctx, sub); err != nil {
			logger.Fatal().Err(err).Str("agent_id", agentID).Msg("agent subscriber failed to start")
		}
	}

	// Create router
	router := api.NewRouter(logger, api.Deps{
		Store:          guarded,
		Ingest:         svc,
		Breakers:       guarded.Breakers(),
		Bus:            events,
		Redis:          redisClient,
		RateWhitelist:  cfg.RateLimitWhitelist,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Cancelled on shutdown so hijacked websocket connections end too.
	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Strs("agents", agents.List()).
			Msg("starting agentrelay server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelBase()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	agents.StopAll()

	logger.Info().Msg("server stopped")
}

// openStore picks Postgres when DATABASE_URL is set and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.DataStore, error) {
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		logger.Info().Msg("migrations completed")

		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg, nil
	}

	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	return sq, nil
}
