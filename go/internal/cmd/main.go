package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lodegame/roundsync/go/clients/gamestate"
	"github.com/lodegame/roundsync/go/internal/mux"
	"github.com/lodegame/roundsync/go/internal/presentation"
	"github.com/lodegame/roundsync/go/internal/rounds"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Strs("upstream", cfg.Upstream).
		Str("port", cfg.Port).
		Bool("push", cfg.PushEnabled).
		Bool("health", cfg.HealthEnabled).
		Msg("starting roundsync")

	svc, err := mux.NewService(mux.ServiceConfig{
		Upstream: cfg.Upstream,
		ClientID: cfg.ClientID,
		Poller: gamestate.PollerConfig{
			Interval:    cfg.PollInterval,
			BackoffBase: cfg.BackoffBase,
			BackoffCap:  cfg.BackoffCap,
		},
		EnablePush: cfg.PushEnabled,
		Subscriber: gamestate.SubscriberConfig{
			ReconnectDelay: cfg.PushReconnectDelay,
			IncludeBids:    cfg.PushIncludeBids,
			APIKey:         cfg.PushAPIKey,
		},
		EnableHealth: cfg.HealthEnabled,
		Prober: gamestate.ProberConfig{
			Interval:         cfg.HealthInterval,
			RecoveryInterval: cfg.HealthRecoveryInterval,
			RecencyWindow:    cfg.HealthRecencyWindow,
			Threshold:        cfg.HealthThreshold,
		},
		Store: rounds.Config{
			Retention: cfg.Retention,
			MaxWait:   cfg.MaxWait,
		},
		Broadcaster: mux.BroadcasterConfig{
			MaxClients:    cfg.MaxClients,
			BufferSize:    cfg.BufferSize,
			DropPolicy:    mux.DropPolicy(cfg.DropPolicy),
			PingInterval:  cfg.PingInterval,
			ClientTimeout: cfg.ClientTimeout,
		},
		NATSURL: cfg.NATSURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create service")
	}

	// The display machine times winner reveals; its outcomes go downstream
	// as their own named events so consumers don't re-implement spin timing.
	display := presentation.NewDisplay(svc.Store(), presentation.Config{
		SpinDuration:  cfg.SpinDuration,
		ResultDisplay: cfg.ResultDisplay,
		MaxWait:       cfg.MaxWait,
		LateBehavior:  presentation.LateBehavior(cfg.LateBehavior),
	}, presentation.Hooks{
		OnReveal: func(r presentation.Reveal) {
			if payload, err := json.Marshal(r); err == nil {
				svc.Broadcaster().Broadcast("winnerReveal", payload)
			}
		},
		OnOverlayShow: func(r presentation.Reveal) {
			if payload, err := json.Marshal(r); err == nil {
				svc.Broadcaster().Broadcast("resultOverlayShow", payload)
			}
		},
		OnOverlayHide: func(roundID string) {
			payload, _ := json.Marshal(map[string]string{"roundId": roundID})
			svc.Broadcaster().Broadcast("resultOverlayHide", payload)
		},
	})

	server := setupServer(svc, cfg.Port)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	display.Stop()
	svc.Stop()
	cancel()

	log.Info().Msg("roundsync shutdown complete")
}
