package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined      = errors.New("transport not joined")
	ErrClosed         = errors.New("transport closed")
	ErrUnsupported    = errors.New("unsupported local track")
	ErrSignalRejected = errors.New("signaling rejected")
	ErrProducerGone   = errors.New("producer gone")
)

// SignalPath is the websocket endpoint of the SFU.
const SignalPath = "/api/ws/rtc"

type ClientConfig struct {
	// ServerURL is the http(s) base url of the stage server.
	ServerURL string
	WebRTC    webrtc.Configuration
	Dialer    *websocket.Dialer
}

type pendingSub struct {
	producer core.Producer
	ch       chan *RemoteTrack
	errc     chan error
}

// Client is the websocket + pion implementation of core.Transport for one
// identifier.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	writeMu sync.Mutex
	// pubMu serializes publisher renegotiation.
	pubMu     sync.Mutex
	pubAnswer chan webrtc.SessionDescription

	mu         sync.Mutex
	identifier domain.ParticipantID
	conn       *websocket.Conn
	pub, sub   *Connection
	senders    map[*LocalTrack]*webrtc.RTPSender
	pending    map[string]*pendingSub
	arrived    map[string]*webrtc.TrackRemote
	onEvent    func(core.Event)
	welcome    chan error
	joined     bool
	leaving    bool
	done       chan struct{}
	events     *eventQueue
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:       cfg,
		logger:    log.With().Str("module", "webrtc").Logger(),
		pubAnswer: make(chan webrtc.SessionDescription, 1),
		senders:   make(map[*LocalTrack]*webrtc.RTPSender),
		pending:   make(map[string]*pendingSub),
		arrived:   make(map[string]*webrtc.TrackRemote),
		done:      make(chan struct{}),
		events:    newEventQueue(),
	}
}

// Factory returns a core.TransportFactory producing clients for cfg.
func Factory(cfg ClientConfig) core.TransportFactory {
	return core.TransportFactoryFunc(func(domain.ParticipantID) core.Transport {
		return NewClient(cfg)
	})
}

func (c *Client) OnEvent(fn func(core.Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func signalURL(base string, session domain.SessionID, identifier domain.ParticipantID, token, appID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + SignalPath
	q := url.Values{}
	q.Set("session", string(session))
	q.Set("identifier", identifier.String())
	q.Set("token", token)
	if appID != "" {
		q.Set("app", appID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) Join(ctx context.Context, appID string, session domain.SessionID, token string, identifier domain.ParticipantID) error {
	c.mu.Lock()
	if c.conn != nil || c.leaving {
		c.mu.Unlock()
		return fmt.Errorf("join: %w", ErrClosed)
	}
	c.identifier = identifier
	c.logger = log.With().Str("module", "webrtc").Int64("identifier", int64(identifier)).Logger()
	c.mu.Unlock()

	target, err := signalURL(c.cfg.ServerURL, session, identifier, token, appID)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return fmt.Errorf("join: %w: %s", ErrSignalRejected, resp.Status)
		}
		return fmt.Errorf("join: %w", err)
	}

	label := identifier.String()
	pub, err := NewConnection(c.cfg.WebRTC, label+"/pub")
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("join: %w", err)
	}
	sub, err := NewConnection(c.cfg.WebRTC, label+"/sub")
	if err != nil {
		_ = pub.Close()
		_ = ws.Close()
		return fmt.Errorf("join: %w", err)
	}
	sub.OnTrack(c.handleTrack)
	pub.OnStateChange(c.handlePeerState)
	sub.OnStateChange(c.handlePeerState)
	pub.Start(context.Background())
	sub.Start(context.Background())

	welcome := make(chan error, 1)
	c.mu.Lock()
	c.conn, c.pub, c.sub, c.welcome = ws, pub, sub, welcome
	deliver := c.onEvent
	c.mu.Unlock()

	go c.events.run(func(e core.Event) {
		if deliver != nil {
			deliver(e)
		}
	})
	go c.readLoop(ws)

	select {
	case err = <-welcome:
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = ErrClosed
	}
	if err != nil {
		c.shutdown()
		return fmt.Errorf("join: %w", err)
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.logger.Info().Str("session", string(session)).Msg("joined")
	c.events.push(core.Event{Type: core.EventConnectionStateChanged, State: core.ConnConnected})
	return nil
}

func (c *Client) send(m Message) error {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return ErrNotJoined
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(m)
}

func (c *Client) SetRole(_ context.Context, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("set role: invalid role %q", role)
	}
	if err := c.send(Message{Type: MsgRole, Role: role}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("publish: %w", ErrNotJoined)
	}
	for _, t := range tracks {
		lt, ok := t.(*LocalTrack)
		if !ok {
			return fmt.Errorf("publish: %w: %T", ErrUnsupported, t)
		}
		sender, err := pub.AddLocalTrack(lt.track, nil)
		if err != nil {
			return fmt.Errorf("publish %s: %w", lt.Media(), err)
		}
		c.mu.Lock()
		c.senders[lt] = sender
		c.mu.Unlock()
	}
	if err := c.negotiate(ctx, pub); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (c *Client) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	pub, id := c.pub, c.identifier
	c.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("unpublish: %w", ErrNotJoined)
	}
	removed := 0
	for _, t := range tracks {
		lt, ok := t.(*LocalTrack)
		if !ok {
			continue
		}
		c.mu.Lock()
		sender, ok := c.senders[lt]
		delete(c.senders, lt)
		c.mu.Unlock()
		if !ok {
			continue
		}
		p := core.Producer{WireID: id, Media: lt.Media()}
		if err := c.send(Message{Type: MsgUnpublish, Producer: &p}); err != nil {
			return fmt.Errorf("unpublish: %w", err)
		}
		if err := pub.RemoveTrack(sender); err != nil {
			return fmt.Errorf("unpublish %s: %w", lt.Media(), err)
		}
		removed++
	}
	if removed == 0 {
		return nil
	}
	if err := c.negotiate(ctx, pub); err != nil {
		return fmt.Errorf("unpublish: %w", err)
	}
	return nil
}

// negotiate runs one offer/answer round on the publisher connection.
// Callers hold pubMu.
func (c *Client) negotiate(ctx context.Context, pub *Connection) error {
	select {
	case <-c.pubAnswer:
	default:
	}
	offer, err := pub.CreateOffer()
	if err != nil {
		return err
	}
	if err := c.send(Message{Type: MsgOffer, Target: TargetPublisher, SDP: offer.SDP}); err != nil {
		return err
	}
	select {
	case answer := <-c.pubAnswer:
		return pub.ApplyAnswer(answer)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) Subscribe(ctx context.Context, p core.Producer) (core.RemoteMedia, error) {
	key := p.Key()
	ps := &pendingSub{producer: p, ch: make(chan *RemoteTrack, 1), errc: make(chan error, 1)}

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", key, ErrNotJoined)
	}
	if track, ok := c.arrived[key]; ok {
		delete(c.arrived, key)
		c.mu.Unlock()
		return newRemoteTrack(p, track), nil
	}
	prev := c.pending[key]
	c.pending[key] = ps
	c.mu.Unlock()
	if prev != nil {
		prev.errc <- fmt.Errorf("%w: superseded", ErrProducerGone)
	}

	cleanup := func() {
		c.mu.Lock()
		if c.pending[key] == ps {
			delete(c.pending, key)
		}
		c.mu.Unlock()
	}
	if err := c.send(Message{Type: MsgSubscribe, Producer: &p}); err != nil {
		cleanup()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	select {
	case rt := <-ps.ch:
		return rt, nil
	case err := <-ps.errc:
		cleanup()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	case <-ctx.Done():
		cleanup()
		return nil, fmt.Errorf("subscribe %s: %w", key, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("subscribe %s: %w", key, ErrClosed)
	}
}

func (c *Client) handleTrack(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	key := track.StreamID()
	c.mu.Lock()
	ps, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	} else {
		c.arrived[key] = track
	}
	c.mu.Unlock()
	if ok {
		ps.ch <- newRemoteTrack(ps.producer, track)
	}
}

func (c *Client) handlePeerState(s webrtc.PeerConnectionState) {
	if s != webrtc.PeerConnectionStateFailed {
		return
	}
	c.mu.Lock()
	lost := c.joined && !c.leaving
	c.mu.Unlock()
	if lost {
		c.events.push(core.Event{Type: core.EventConnectionStateChanged, State: core.ConnFailed})
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		lost := c.joined && !c.leaving
		c.mu.Unlock()
		if lost {
			c.logger.Warn().Msg("signaling connection lost")
			c.events.push(core.Event{Type: core.EventConnectionStateChanged, State: core.ConnDisconnected})
		}
		c.shutdown()
	}()
	for {
		var m Message
		if err := ws.ReadJSON(&m); err != nil {
			c.logger.Debug().Err(err).Msg("read loop ended")
			return
		}
		c.handleMessage(m)
	}
}

func (c *Client) handleMessage(m Message) {
	switch m.Type {
	case MsgWelcome:
		c.resolveWelcome(nil)
	case MsgError:
		c.handleError(m)
	case MsgOffer:
		c.handleOffer(m)
	case MsgAnswer:
		select {
		case c.pubAnswer <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}:
		default:
			c.logger.Warn().Msg("unexpected answer dropped")
		}
	case MsgCandidate:
		c.handleCandidate(m)
	case MsgParticipantJoined:
		c.events.push(core.Event{Type: core.EventParticipantJoined, Participant: m.Participant})
	case MsgParticipantLeft:
		c.failPending(func(p core.Producer) bool { return p.WireID == m.Participant })
		c.events.push(core.Event{Type: core.EventParticipantLeft, Participant: m.Participant})
	case MsgProducerPublished:
		if m.Producer != nil {
			c.events.push(core.Event{Type: core.EventProducerPublished, Participant: m.Producer.WireID, Producer: *m.Producer})
		}
	case MsgProducerUnpublished:
		if m.Producer != nil {
			key := m.Producer.Key()
			c.mu.Lock()
			delete(c.arrived, key)
			c.mu.Unlock()
			c.failPending(func(p core.Producer) bool { return p.Key() == key })
			c.events.push(core.Event{Type: core.EventProducerUnpublished, Participant: m.Producer.WireID, Producer: *m.Producer})
		}
	case MsgPong:
	default:
		c.logger.Warn().Str("type", m.Type).Msg("unknown signal")
	}
}

// failPending ends the waiting subscriptions whose producer matches.
func (c *Client) failPending(match func(core.Producer) bool) {
	var failed []*pendingSub
	c.mu.Lock()
	for key, ps := range c.pending {
		if match(ps.producer) {
			delete(c.pending, key)
			failed = append(failed, ps)
		}
	}
	c.mu.Unlock()
	for _, ps := range failed {
		ps.errc <- ErrProducerGone
	}
}

func (c *Client) resolveWelcome(err error) bool {
	c.mu.Lock()
	ch := c.welcome
	c.welcome = nil
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- err
	return true
}

func (c *Client) handleError(m Message) {
	if m.Producer != nil {
		c.mu.Lock()
		ps, ok := c.pending[m.Producer.Key()]
		if ok {
			delete(c.pending, m.Producer.Key())
		}
		c.mu.Unlock()
		if ok {
			ps.errc <- fmt.Errorf("%w: %s", ErrSignalRejected, m.Error)
			return
		}
	}
	if c.resolveWelcome(fmt.Errorf("%w: %s", ErrSignalRejected, m.Error)) {
		return
	}
	c.logger.Warn().Str("error", m.Error).Msg("server error")
}

func (c *Client) handleOffer(m Message) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil || m.Target != TargetSubscriber {
		c.logger.Warn().Str("target", m.Target).Msg("offer for unknown target")
		return
	}
	answer, err := sub.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP})
	if err != nil {
		c.logger.Error().Err(err).Msg("apply subscriber offer")
		return
	}
	if err := c.send(Message{Type: MsgAnswer, Target: TargetSubscriber, SDP: answer.SDP}); err != nil {
		c.logger.Error().Err(err).Msg("send subscriber answer")
	}
}

func (c *Client) handleCandidate(m Message) {
	if m.Candidate == nil {
		return
	}
	c.mu.Lock()
	conn := c.pub
	if m.Target == TargetSubscriber {
		conn = c.sub
	}
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.AddICECandidate(*m.Candidate); err != nil {
		c.logger.Error().Err(err).Msg("add ice candidate")
	}
}

// Ping sends a keepalive.
func (c *Client) Ping() error {
	return c.send(Message{Type: MsgPing})
}

func (c *Client) Leave(context.Context) error {
	c.mu.Lock()
	if c.leaving {
		c.mu.Unlock()
		return nil
	}
	c.leaving = true
	joined := c.conn != nil
	c.mu.Unlock()
	if joined {
		if err := c.send(Message{Type: MsgLeave}); err != nil {
			c.logger.Debug().Err(err).Msg("send leave")
		}
	}
	c.shutdown()
	c.logger.Info().Msg("left")
	return nil
}

func (c *Client) shutdown() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	close(c.done)
	ws, pub, sub := c.conn, c.pub, c.sub
	c.joined = false
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if pub != nil {
		_ = pub.Close()
	}
	if sub != nil {
		_ = sub.Close()
	}
	c.events.close()
}
