// Package api exposes the REST surface of the chat core over gin. Every
// state-changing route goes through the same gateway loop as live events.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/message"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/moderation"
	"github.com/whisper/dm-chat/internal/notification"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/user"
	"github.com/whisper/dm-chat/internal/ws"
)

// Core is the subset of the gateway the REST routes drive.
type Core interface {
	History(ctx context.Context, a, b string) ([]message.Message, error)
	DeleteMessage(ctx context.Context, id string) (bool, error)
	Moderate(ctx context.Context, action moderation.Action, req moderation.Request) (user.Projection, error)
	Online() []presence.Entry
}

// Notifications lists and acknowledges stored notifications.
type Notifications interface {
	List(ctx context.Context, userID string) ([]notification.Notification, error)
	MarkRead(ctx context.Context, id string) (*notification.Notification, error)
}

// HealthReporter reports transport liveness.
type HealthReporter interface {
	Health() ws.Health
}

// Options configures the router.
type Options struct {
	Mode      string           // gin mode: release, debug or test
	WebSocket http.HandlerFunc // upgrade handler mounted at /ws; optional
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(core Core, notes Notifications, health HealthReporter, opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	r := gin.New()
	if opts.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{core: core, notes: notes}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, health.Health())
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if opts.WebSocket != nil {
		r.GET("/ws", gin.WrapF(opts.WebSocket))
	}

	api := r.Group("/api")

	msgs := api.Group("/messages")
	msgs.GET("/:a/:b", h.history)
	msgs.DELETE("/:id", h.deleteMessage)

	notif := api.Group("/notifications")
	notif.GET("/:userId", h.listNotifications)
	notif.PUT("/read/:id", h.markRead)

	users := api.Group("/users")
	users.GET("/online", h.online)
	for _, a := range []moderation.Action{
		moderation.ActionWarn, moderation.ActionBan, moderation.ActionUnban,
		moderation.ActionMute, moderation.ActionUnmute, moderation.ActionKick,
		moderation.ActionRole,
	} {
		users.POST("/:id/"+string(a), h.moderate(a))
	}
	users.DELETE("/:id", h.moderate(moderation.ActionDelete))

	log.Info().Str("module", "api").Str("mode", gin.Mode()).Msg("router setup")
	return r
}
