// Command moderator is the audit consumer: it subscribes to moderation
// actions and notifications published by the chat servers and keeps a
// bounded trail of moderation actions in Redis.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/audit"
	"github.com/whisper/dm-chat/internal/config"
	"github.com/whisper/dm-chat/internal/messaging"
	"github.com/whisper/dm-chat/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()
	log.Info().Msg("starting dm-chat moderation audit service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.NATSURL == "" {
		log.Fatal().Msg("NATS_URL is required")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
	} else {
		log.Warn().Msg("REDIS_ADDR not set, audit trail is log-only")
	}
	trail := audit.NewTrail(rdb)

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "dm-chat-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	if err := natsClient.SubscribeModerationActions(func(data []byte) {
		storeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := trail.HandleModeration(storeCtx, data); err != nil {
			log.Error().Err(err).Str("module", "moderator").Msg("moderation event dropped")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to moderation actions")
	}
	if err := natsClient.SubscribeNotifications(func(data []byte) {
		if err := trail.HandleNotification(data); err != nil {
			log.Warn().Err(err).Str("module", "moderator").Msg("notification event dropped")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to notifications")
	}

	log.Info().Str("subject", messaging.SubjectModerationAction).Msg("moderator ready")

	<-ctx.Done()
	log.Info().Msg("shutting down moderator")
	natsClient.Close()
}
