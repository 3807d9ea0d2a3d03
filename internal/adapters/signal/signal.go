// Package signal is the websocket signaling side of the stage SFU.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/app/auth"
	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrIdentifierTaken = errors.New("identifier already connected")

const (
	sendQueue          = 64
	negotiationTimeout = 10 * time.Second
)

// TokenVerifier checks a credential presented at connect time.
type TokenVerifier interface {
	Verify(token string, session domain.SessionID, identifier domain.ParticipantID) (auth.Claims, error)
}

// Observer receives signaling and relay counters. May be nil.
type Observer interface {
	sfu.Observer
	SetSignalPeers(n int)
}

type Options struct {
	WebRTC     webrtc.Configuration
	ReadLimit  int64
	PingPeriod time.Duration
	// JoinLimit connection attempts per identifier per JoinWindow.
	JoinLimit  int
	JoinWindow time.Duration
}

// Controller owns every live stage session on this server.
type Controller struct {
	verifier TokenVerifier
	observer Observer
	opts     Options
	limiter  *JoinRateLimiter
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[domain.SessionID]*Session
}

func NewController(verifier TokenVerifier, observer Observer, opts Options) *Controller {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.JoinLimit <= 0 {
		opts.JoinLimit = 10
	}
	if opts.JoinWindow <= 0 {
		opts.JoinWindow = 10 * time.Second
	}
	return &Controller{
		verifier: verifier,
		observer: observer,
		opts:     opts,
		limiter:  NewJoinRateLimiter(opts.JoinLimit, opts.JoinWindow),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[domain.SessionID]*Session),
	}
}

func (ctl *Controller) session(id domain.SessionID) *Session {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	s, ok := ctl.sessions[id]
	if !ok {
		s = newSession(id, sfu.NewRelayManager(ctl.observer))
		ctl.sessions[id] = s
	}
	return s
}

func (ctl *Controller) release(s *Session, p *Peer) {
	empty := s.remove(p)
	ctl.mu.Lock()
	if empty && ctl.sessions[s.id] == s && s.Len() == 0 {
		delete(ctl.sessions, s.id)
	}
	ctl.mu.Unlock()
	ctl.reportPeers()
}

func (ctl *Controller) reportPeers() {
	if ctl.observer != nil {
		ctl.observer.SetSignalPeers(ctl.Peers())
	}
}

// Peers returns the number of connected peers across sessions.
func (ctl *Controller) Peers() int {
	ctl.mu.Lock()
	sessions := make([]*Session, 0, len(ctl.sessions))
	for _, s := range ctl.sessions {
		sessions = append(sessions, s)
	}
	ctl.mu.Unlock()
	n := 0
	for _, s := range sessions {
		n += s.Len()
	}
	return n
}

// Session returns the live session id, if any peer is connected to it.
func (ctl *Controller) Session(id domain.SessionID) (*Session, bool) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	s, ok := ctl.sessions[id]
	return s, ok
}

// CloseSession disconnects every peer of a session.
func (ctl *Controller) CloseSession(id domain.SessionID) {
	if s, ok := ctl.Session(id); ok {
		s.closeAll()
	}
}

// HandleSignal verifies the credential in the query and upgrades to the
// signaling websocket. The connection lives until ctx ends or the peer leaves.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sessionID := domain.SessionID(c.Query("session"))
	identifier, err := domain.ParseParticipantID(c.Query("identifier"))
	if sessionID == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session and identifier are required"})
		return
	}
	claims, err := ctl.verifier.Verify(c.Query("token"), sessionID, identifier)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("session", string(sessionID)).Int64("identifier", int64(identifier)).Msg("token rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if !ctl.limiter.Allow(string(sessionID) + "/" + identifier.String()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many join attempts"})
		return
	}

	s := ctl.session(sessionID)
	if !s.reserve(identifier) {
		c.JSON(http.StatusConflict, gin.H{"error": ErrIdentifierTaken.Error()})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		s.unreserve(identifier)
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	peerCtx, cancel := context.WithCancel(ctx)
	p, err := newPeer(peerCtx, cancel, identifier, claims.Role, NewWsSignalConn(ws, sendQueue), ctl.opts.WebRTC)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("create peer")
		cancel()
		_ = ws.Close()
		s.unreserve(identifier)
		return
	}
	s.admit(p)
	ctl.reportPeers()
	log.Info().Str("module", "signal").Str("session", string(sessionID)).Int64("identifier", int64(identifier)).Str("role", string(claims.Role)).Msg("peer connected")

	go ctl.writePump(peerCtx, p)
	go func() {
		ctl.readPump(peerCtx, s, p)
		ctl.release(s, p)
	}()
}
