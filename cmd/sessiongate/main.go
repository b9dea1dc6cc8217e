// Demo harness: performs an initial validation for one resource, then
// runs two engine instances against the shared store and bus the way two
// tabs of the hosting application would, logging how they converge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/sessiongate/authclient"
	"go.pilab.hu/sessiongate/bus"
	busredis "go.pilab.hu/sessiongate/bus/redis"
	"go.pilab.hu/sessiongate/config"
	"go.pilab.hu/sessiongate/domain"
	"go.pilab.hu/sessiongate/engine"
	"go.pilab.hu/sessiongate/store"
	"go.pilab.hu/sessiongate/store/mongodb"
	storeredis "go.pilab.hu/sessiongate/store/redis"
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

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: sessiongate <resource-id> <password>")
		os.Exit(2)
	}
	resourceID, password := os.Args[1], os.Args[2]

	ctx := context.Background()

	recordStore, bus, cleanup, err := buildBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("Failed to initialize store backend")
	}
	defer cleanup()

	validator := authclient.NewClient(authclient.Config{BaseURL: cfg.AuthURL})

	// Initial validation creates the authoritative record the engines
	// will manage.
	grant, err := validator.Validate(ctx, resourceID, password)
	if err != nil {
		log.Fatal().Err(err).Str("resourceID", resourceID).Msg("Initial validation failed")
	}
	record := domain.NewSessionRecord(resourceID, grant.SessionToken, grant.TimeoutDuration, time.Now())
	if err := recordStore.Put(ctx, record); err != nil {
		log.Fatal().Err(err).Msg("Failed to persist initial session record")
	}
	log.Info().Time("expiresAt", record.ExpiresAt).Msg("Session granted")

	done := make(chan struct{}, 2)
	tabA := newTab("tab-a", recordStore, bus, validator, password, done)
	tabB := newTab("tab-b", recordStore, bus, validator, "", done)

	if err := tabA.Start(ctx, resourceID); err != nil {
		log.Fatal().Err(err).Msg("tab-a failed to start")
	}
	if err := tabB.Start(ctx, resourceID); err != nil {
		log.Fatal().Err(err).Msg("tab-b failed to start")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Logging out and shutting down")
		tabA.Logout(ctx)
	case <-done:
		log.Info().Msg("Session ended")
	}

	_ = tabA.Close()
	_ = tabB.Close()
}

// newTab wires one engine instance the way a tab of the host app would.
// A tab with a password auto-renews when revalidation is offered; one
// without simulates an unattended tab that only converges.
func newTab(name string, recordStore domain.RecordStore, bus domain.Broadcaster, validator domain.Validator, password string, done chan struct{}) *engine.Engine {
	var eng *engine.Engine
	eng = engine.New(recordStore, bus, validator, engine.Hooks{
		OnUpdated: func(rec *domain.SessionRecord) {
			log.Info().Str("tab", name).Time("expiresAt", rec.ExpiresAt).Msg("Record updated")
		},
		OnRevalidationNeeded: func(rec *domain.SessionRecord) {
			log.Info().Str("tab", name).Time("expiresAt", rec.ExpiresAt).Msg("Revalidation needed")
			if password == "" {
				return
			}
			go func() {
				if err := eng.SubmitPassword(context.Background(), password); err != nil {
					log.Warn().Err(err).Str("tab", name).Msg("Revalidation attempt failed")
				}
			}()
		},
		OnExpired: func() {
			log.Info().Str("tab", name).Msg("Session expired, content purged")
			done <- struct{}{}
		},
		OnLoggedOut: func() {
			log.Info().Str("tab", name).Msg("Logged out, content purged")
			done <- struct{}{}
		},
	})
	return eng
}

func buildBackend(ctx context.Context, cfg *config.Config) (domain.RecordStore, domain.Broadcaster, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() { _ = client.Close() }
		return storeredis.NewRecordStore(client, cfg.KeyPrefix), busredis.NewBus(client, cfg.KeyPrefix), cleanup, nil
	case "mongo":
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, err
		}
		recordStore, err := mongodb.NewRecordStore(ctx, client.Database(cfg.MongoDBName))
		if err != nil {
			return nil, nil, nil, err
		}
		// Broadcasts still ride Redis when available; with Mongo-only
		// deployments the engines run tick-only, which stays correct.
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		var bus domain.Broadcaster
		if err := redisClient.Ping(ctx).Err(); err == nil {
			bus = busredis.NewBus(redisClient, cfg.KeyPrefix)
		} else {
			log.Warn().Err(err).Msg("Redis unavailable, engines degrade to tick-only convergence")
		}
		cleanup := func() {
			_ = redisClient.Close()
			_ = client.Disconnect(context.Background())
		}
		return recordStore, bus, cleanup, nil
	case "memory":
		recordStore := store.NewMemoryRecordStore()
		cleanup := func() { _ = recordStore.Close() }
		// In-process only; suitable for a single-process demo.
		return recordStore, bus.NewMemoryBus(), cleanup, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
