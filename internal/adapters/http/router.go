package http

import (
	"context"
	gohttp "net/http"

	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/adapters/signal"
	"github.com/dkeye/Stage/internal/adapters/store"
	"github.com/dkeye/Stage/internal/app/auth"
	"github.com/dkeye/Stage/internal/app/broadcast"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/platform/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const clientTokenCookie = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every caller with a stable opaque token, kept
// in a cookie and mirrored into the session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		sess := sessions.Default(c)
		if sess.Get("client_token") != token {
			sess.Set("client_token", token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Deps are the server components the router exposes.
type Deps struct {
	Issuer     *auth.Issuer
	Broadcasts *broadcast.Service
	Presence   *store.Hub
	Signal     *signal.Controller
	Metrics    *metrics.Metrics
}

type handlers struct {
	Deps
	upgrader websocket.Upgrader
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if deps.Metrics != nil {
		r.Use(metrics.RequestMiddleware(deps.Metrics))
	}

	cookieStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("StageSessions", cookieStore))
	r.Use(ClientTokenMiddleware())

	h := &handlers{Deps: deps, upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}}
	h.upgrader.CheckOrigin = func(*gohttp.Request) bool { return true }

	r.GET("/healthz", func(c *gin.Context) { c.JSON(gohttp.StatusOK, gin.H{"status": "ok"}) })
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler(h.updateGauges)))
	}

	api := r.Group("/api")
	operator := RequireControlKey(cfg.ControlKey)
	api.POST("/tokens", operator, h.issueToken)

	api.POST("/broadcasts/:session/start", operator, h.startBroadcast)
	api.POST("/broadcasts/:session/end", operator, h.endBroadcast)
	api.GET("/broadcasts/:session", h.getBroadcast)

	api.GET("/sessions/:session/presence", h.listPresence)
	api.PUT("/sessions/:session/presence/:participant", h.putPresence)
	api.DELETE("/sessions/:session/presence/:participant", h.deletePresence)
	api.GET("/sessions/:session/presence/ws", func(c *gin.Context) { h.watchPresence(ctx, c) })

	if deps.Signal != nil {
		r.GET(rtc.SignalPath, func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws rtc endpoint hit")
			deps.Signal.HandleSignal(ctx, c)
		})
	}

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func (h *handlers) updateGauges() {
	if h.Broadcasts != nil {
		h.Metrics.SetActiveBroadcasts(h.Broadcasts.Active())
	}
	if h.Signal != nil {
		h.Metrics.SetSignalPeers(h.Signal.Peers())
	}
}
