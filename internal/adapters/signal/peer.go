package signal

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer is one connected identifier: its websocket, the connection it
// publishes on and the connection the server pushes subscriptions on.
type Peer struct {
	id     domain.ParticipantID
	conn   *WsSignalConn
	pub    *rtc.Connection
	sub    *rtc.Connection
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	// maxRole is the role granted by the credential.
	maxRole domain.Role

	mu   sync.Mutex
	role domain.Role
	subs map[string]*webrtc.RTPSender

	// negotiate serializes server-initiated offers on sub.
	negotiate sync.Mutex
	answers   chan webrtc.SessionDescription
}

func newPeer(ctx context.Context, cancel context.CancelFunc, id domain.ParticipantID, role domain.Role, conn *WsSignalConn, cfg webrtc.Configuration) (*Peer, error) {
	label := id.String()
	pub, err := rtc.NewConnection(cfg, label+"/pub")
	if err != nil {
		return nil, err
	}
	sub, err := rtc.NewConnection(cfg, label+"/sub")
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return &Peer{
		id:      id,
		conn:    conn,
		pub:     pub,
		sub:     sub,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With().Str("module", "signal").Int64("identifier", int64(id)).Logger(),
		maxRole: role,
		role:    role,
		subs:    make(map[string]*webrtc.RTPSender),
		answers: make(chan webrtc.SessionDescription, 1),
	}, nil
}

func (p *Peer) ID() domain.ParticipantID { return p.id }

func (p *Peer) Role() domain.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Peer) setRole(r domain.Role) (prev domain.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, p.role = p.role, r
	return prev
}

func (p *Peer) send(m rtc.Message) {
	if err := p.conn.SendJSON(m); err != nil {
		p.logger.Warn().Err(err).Str("type", m.Type).Msg("send dropped")
	}
}

func (p *Peer) sendError(msg string, producer *core.Producer) {
	p.send(rtc.Message{Type: rtc.MsgError, Error: msg, Producer: producer})
}

func (p *Peer) close() {
	p.cancel()
	p.conn.Close()
	_ = p.pub.Close()
	_ = p.sub.Close()
}
