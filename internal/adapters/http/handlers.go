package http

import (
	"context"
	"errors"
	gohttp "net/http"
	"time"

	"github.com/dkeye/Stage/internal/app/auth"
	"github.com/dkeye/Stage/internal/app/broadcast"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type tokenRequest struct {
	Session    domain.SessionID     `json:"session" binding:"required"`
	Identifier domain.ParticipantID `json:"identifier" binding:"required"`
	Role       domain.Role          `json:"role" binding:"required"`
}

func (h *handlers) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(gohttp.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cred, err := h.Issuer.Issue(req.Session, req.Identifier, req.Role)
	if err != nil {
		c.JSON(gohttp.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncTokensIssued(string(req.Role))
	}
	c.JSON(gohttp.StatusCreated, cred)
}

type startRequest struct {
	Host domain.ParticipantID `json:"host" binding:"required"`
}

func (h *handlers) startBroadcast(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(gohttp.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := h.Broadcasts.Start(c.Request.Context(), domain.SessionID(c.Param("session")), req.Host)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(gohttp.StatusOK, start)
}

func (h *handlers) endBroadcast(c *gin.Context) {
	session := domain.SessionID(c.Param("session"))
	if err := h.Broadcasts.End(c.Request.Context(), session); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("session", string(session)).Msg("end broadcast")
		c.JSON(gohttp.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.Signal != nil {
		h.Signal.CloseSession(session)
	}
	c.Status(gohttp.StatusNoContent)
}

func (h *handlers) getBroadcast(c *gin.Context) {
	b, err := h.Broadcasts.Get(domain.SessionID(c.Param("session")))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(gohttp.StatusOK, b)
}

func (h *handlers) listPresence(c *gin.Context) {
	records, err := h.Presence.List(c.Request.Context(), domain.SessionID(c.Param("session")))
	if err != nil {
		c.JSON(gohttp.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []domain.PresenceRecord{}
	}
	c.JSON(gohttp.StatusOK, core.PresenceSnapshot{Count: len(records), Records: records})
}

// participantParam parses a presenter base identifier from the path.
func participantParam(c *gin.Context) (domain.ParticipantID, bool) {
	id, err := domain.ParseParticipantID(c.Param("participant"))
	if err != nil || !domain.ValidBaseID(id) {
		c.JSON(gohttp.StatusBadRequest, gin.H{"error": domain.ErrInvalidParticipant.Error()})
		return 0, false
	}
	return id, true
}

func (h *handlers) putPresence(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}
	var info domain.PresenceInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(gohttp.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(info.DisplayName) > domain.MaxDisplayNameLen {
		c.JSON(gohttp.StatusBadRequest, gin.H{"error": domain.ErrDisplayNameTooLong.Error()})
		return
	}
	session := domain.SessionID(c.Param("session"))
	if !h.authorizePresence(c, session, id) {
		return
	}
	if err := h.Presence.Put(c.Request.Context(), session, id, info); err != nil {
		c.JSON(gohttp.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncPresenceWrites("put")
	}
	c.Status(gohttp.StatusNoContent)
}

func (h *handlers) deletePresence(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}
	session := domain.SessionID(c.Param("session"))
	if !h.authorizePresence(c, session, id) {
		return
	}
	if err := h.Presence.Delete(c.Request.Context(), session, id); err != nil {
		c.JSON(gohttp.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncPresenceWrites("delete")
	}
	c.Status(gohttp.StatusNoContent)
}

// watchPresence pushes a snapshot on connect and after every change until
// the client goes away.
func (h *handlers) watchPresence(ctx context.Context, c *gin.Context) {
	session := domain.SessionID(c.Param("session"))
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("presence ws upgrade")
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = h.Presence.Watch(ctx, session, func(s core.PresenceSnapshot) {
		if s.Records == nil {
			s.Records = []domain.PresenceRecord{}
		}
		if err := ws.WriteJSON(s); err != nil {
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("module", "adapters.http").Str("session", string(session)).Msg("presence watch ended")
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		return gohttp.StatusNotFound
	case errors.Is(err, domain.ErrInvalidParticipant), errors.Is(err, auth.ErrInvalidRole):
		return gohttp.StatusBadRequest
	}
	return gohttp.StatusInternalServerError
}
