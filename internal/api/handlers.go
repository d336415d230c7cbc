package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/moderation"
	"github.com/whisper/dm-chat/internal/user"
)

type handlers struct {
	core  Core
	notes Notifications
}

// ModerationRequest is the body accepted by the user moderation routes.
type ModerationRequest struct {
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
	Role    string `json:"role"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:    http.StatusBadRequest,
	apperr.KindNotFound:      http.StatusNotFound,
	apperr.KindAuthorization: http.StatusForbidden,
	apperr.KindConflict:      http.StatusConflict,
	apperr.KindPersistence:   http.StatusInternalServerError,
}

func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "api").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Code: kind.String(), Message: apperr.PublicMessage(err)})
}

func (h *handlers) history(c *gin.Context) {
	msgs, err := h.core.History(c.Request.Context(), c.Param("a"), c.Param("b"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *handlers) deleteMessage(c *gin.Context) {
	deleted, err := h.core.DeleteMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "messageId": c.Param("id")})
}

func (h *handlers) listNotifications(c *gin.Context) {
	list, err := h.notes.List(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handlers) markRead(c *gin.Context) {
	n, err := h.notes.MarkRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *handlers) online(c *gin.Context) {
	c.JSON(http.StatusOK, h.core.Online())
}

func (h *handlers) moderate(action moderation.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body ModerationRequest
		// An empty body is allowed: warn and delete may be issued by the system.
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(c, apperr.Validation("invalid request body"))
			return
		}
		proj, err := h.core.Moderate(c.Request.Context(), action, moderation.Request{
			ActorID:  body.ActorID,
			TargetID: c.Param("id"),
			Reason:   body.Reason,
			Role:     user.Role(body.Role),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": action, "user": proj})
	}
}
