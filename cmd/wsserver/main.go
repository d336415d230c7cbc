package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/api"
	"github.com/whisper/dm-chat/internal/config"
	"github.com/whisper/dm-chat/internal/db"
	"github.com/whisper/dm-chat/internal/gateway"
	"github.com/whisper/dm-chat/internal/message"
	"github.com/whisper/dm-chat/internal/messaging"
	"github.com/whisper/dm-chat/internal/moderation"
	"github.com/whisper/dm-chat/internal/notification"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/ratelimit"
	"github.com/whisper/dm-chat/internal/session"
	"github.com/whisper/dm-chat/internal/signaling"
	"github.com/whisper/dm-chat/internal/user"
	"github.com/whisper/dm-chat/internal/ws"
)

type stores struct {
	users    user.Directory
	messages message.Repository
	notes    notification.Repository
	db       *sql.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}

	// --- Redis ---
	var (
		rdb      *redis.Client
		sessions *session.Store
	)
	if cfg.RedisAddr != "" {
		rdb, err = session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
		sessions = session.NewStore(rdb, cfg.ServerName)
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "dm-chat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
		}
	}

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Bool("postgres", st.db != nil).
		Bool("redis", rdb != nil).
		Bool("nats", natsClient != nil).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Msg("dm-chat server starting")

	registry := presence.NewRegistry()
	registry.Bootstrap(ctx, st.users)

	loop := gateway.NewLoop()
	go loop.Run(ctx)

	// The transport is created first; the dispatcher is bound to it below.
	dispatcher := ws.NewMessageDispatcher(nil)
	var recorder ws.SessionRecorder
	if sessions != nil {
		recorder = sessions
	}
	server := ws.NewServer(cfg.Server(), recorder, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	out := outbound.New(server)

	fanout := notification.NewFanout(st.notes, registry, out)
	relay := message.NewRelay(st.messages, registry, out, fanout)
	engine := moderation.NewEngine(st.users, registry, out, fanout)
	if natsClient != nil {
		fanout.SetBus(natsClient)
		engine.SetAuditor(natsClient)
	}
	if rdb != nil && cfg.MessageRateLimit > 0 {
		limiter := ratelimit.NewLimiter(rdb)
		relay.SetLimiter(limiter.ForRule(ratelimit.MessageRule(cfg.MessageRateLimit, cfg.MessageRateWindow)))
	}

	gw := gateway.New(loop, st.users, registry, out, relay, engine, signaling.NewRelay(out))
	if sessions != nil {
		gw.SetSessions(sessions)
	}
	gw.Register(dispatcher)
	server.SetOnDisconnect(gw.Disconnect)

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start transport")
	}

	router := api.NewRouter(gw, fanout, server, api.Options{
		Mode:      cfg.GinMode,
		WebSocket: server.HandleUpgrade,
	})
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("transport shutdown error")
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
	}
	if st.db != nil {
		if err := st.db.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}
	log.Info().Msg("server exited")
}

// openStores returns PostgreSQL stores when DATABASE_URL is set and in-memory
// stores otherwise.
func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.DatabaseURL == "" {
		users := user.NewMemoryStore()
		seedUsers(ctx, users, cfg.SeedUsers)
		log.Warn().Msg("DATABASE_URL not set, using in-memory stores")
		return stores{
			users:    users,
			messages: message.NewMemoryStore(),
			notes:    notification.NewMemoryStore(),
		}, nil
	}

	pg, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	if err := db.Migrate(pg); err != nil {
		pg.Close()
		return stores{}, err
	}
	return stores{
		users:    user.NewStore(pg),
		messages: message.NewStore(pg),
		notes:    notification.NewStore(pg),
		db:       pg,
	}, nil
}

func seedUsers(ctx context.Context, users user.Directory, specs []string) {
	for _, spec := range specs {
		name, role, _ := strings.Cut(strings.TrimSpace(spec), ":")
		if name == "" {
			continue
		}
		u := &user.User{Username: name, Role: user.Role(role)}
		if !u.Role.Valid() {
			u.Role = user.RoleUser
		}
		if err := users.Create(ctx, u); err != nil {
			log.Warn().Err(err).Str("username", name).Msg("seed user skipped")
			continue
		}
		log.Info().Str("user_id", u.ID).Str("username", name).Str("role", string(u.Role)).Msg("seeded user")
	}
}
