package http

import (
	"crypto/subtle"
	gohttp "net/http"
	"strings"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ControlKeyHeader carries the operator key for token minting and broadcast
// lifecycle calls.
const ControlKeyHeader = "X-Stage-Key"

// RequireControlKey rejects requests without the configured key. An empty
// key leaves the routes open.
func RequireControlKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader(ControlKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(gohttp.StatusUnauthorized, gin.H{"error": "control key required"})
			return
		}
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authorizePresence checks that the caller holds a presenter credential for
// the participant it writes.
func (h *handlers) authorizePresence(c *gin.Context, session domain.SessionID, id domain.ParticipantID) bool {
	claims, err := h.Issuer.Verify(bearer(c), session, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("session", string(session)).Int64("participant", int64(id)).Msg("presence write rejected")
		c.JSON(gohttp.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return false
	}
	if claims.Role != domain.RolePresenter {
		c.JSON(gohttp.StatusForbidden, gin.H{"error": "presenter credential required"})
		return false
	}
	return true
}
