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

	"go.pilab.hu/sessiongate/config"
	"go.pilab.hu/sessiongate/internal/authserver"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if parseErr != nil {
		log.Warn().Str("configured_log_level", cfg.LogLevel).Err(parseErr).Msg("Invalid log_level configured, defaulting to 'info'")
	}

	if len(cfg.Resources) == 0 {
		log.Fatal().Msg("No resource policies configured; authd has nothing to validate against")
	}

	srv := authserver.NewServer(cfg.Resources, []byte(cfg.JWTSigningKey))
	e := srv.NewEcho()

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Int("resources", len(cfg.Resources)).Msg("authd listening")
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down authd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("authd stopped")
}
