// Command agent runs one agent outside the central server's process. It
// follows the server's event bus over a websocket and asks the central API
// who belongs where.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/agentmem"
	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/bus/remote"
	"github.com/eldtechnologies/agentrelay/internal/config"
	"github.com/eldtechnologies/agentrelay/internal/subscriber"
)

func main() {
	cfg := config.Load()

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

	agentID := cfg.AgentID
	if agentID == "" && len(cfg.AgentIDs) > 0 {
		agentID = cfg.AgentIDs[0]
	}
	if agentID == "" {
		logger.Fatal().Msg("AGENT_ID is required")
	}
	logger = logger.With().Str("agent_id", agentID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mem, err := agentmem.Open(ctx, cfg.RedisURL, agentID)
	if err != nil {
		logger.Fatal().Err(err).Msg("agent memory unavailable")
	}
	defer mem.Close()

	breakerOpts := cfg.Breaker
	breakerOpts.Logger = logger
	rt := agentmem.NewRuntime(agentID, agentmem.NewGuarded(mem, agentID, breakerOpts), agentmem.RuntimeOptions{
		Settings: map[string]string{subscriber.SettingCentralURL: cfg.CentralURL},
		Sink:     agentmem.LogSink(logger),
		Logger:   logger,
	})

	local := bus.New(logger)
	defer local.Close()

	// Directory left nil: the subscriber talks to CENTRAL_MESSAGE_SERVER_URL.
	sub := subscriber.New(rt, local, subscriber.Options{
		RequestTimeout: cfg.SubscriberRequestTimeout,
		Logger:         logger,
	})
	if err := sub.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("subscriber failed to start")
	}
	defer sub.Stop()

	url := remote.EventsURL(cfg.CentralURL)
	logger.Info().Str("central", cfg.CentralURL).Str("events", url).Msg("starting agent")

	if err := remote.Follow(ctx, url, local, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("remote bus stopped")
	}

	logger.Info().Msg("agent stopped")
}
