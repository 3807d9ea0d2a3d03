package signal

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// producer is a published track relayed by the session.
type producer struct {
	info  core.Producer
	owner *Peer
	codec webrtc.RTPCodecCapability
	ssrc  webrtc.SSRC
}

// Session is one stage: its peers, producers and relays.
type Session struct {
	id     domain.SessionID
	relays *sfu.RelayManager

	mu        sync.RWMutex
	reserved  map[domain.ParticipantID]struct{}
	peers     map[domain.ParticipantID]*Peer
	producers map[string]*producer
}

func newSession(id domain.SessionID, relays *sfu.RelayManager) *Session {
	return &Session{
		id:        id,
		relays:    relays,
		reserved:  make(map[domain.ParticipantID]struct{}),
		peers:     make(map[domain.ParticipantID]*Peer),
		producers: make(map[string]*producer),
	}
}

func (s *Session) reserve(id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reserved[id]; ok {
		return false
	}
	s.reserved[id] = struct{}{}
	return true
}

func (s *Session) unreserve(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, id)
}

// Len counts reserved identifiers, connected or still upgrading.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reserved)
}

// Presenters lists the connected identifiers holding the presenter role.
func (s *Session) Presenters() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ParticipantID
	for id, p := range s.peers {
		if p.Role() == domain.RolePresenter {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Producers lists the relayed producers.
func (s *Session) Producers() []core.Producer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Producer, 0, len(s.producers))
	for _, key := range slices.Sorted(maps.Keys(s.producers)) {
		out = append(out, s.producers[key].info)
	}
	return out
}

// admit registers p, sends it the welcome and the current stage, and
// announces it when it presents. Done under the lock so no announcement
// is missed or duplicated.
func (s *Session) admit(p *Peer) {
	p.pub.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.publish(ctx, p, track)
	})
	p.pub.Start(p.ctx)
	p.sub.Start(p.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.id] = p

	p.send(rtc.Message{Type: rtc.MsgWelcome, Participant: p.id, Role: p.Role()})
	for _, id := range slices.Sorted(maps.Keys(s.peers)) {
		other := s.peers[id]
		if other != p && other.Role() == domain.RolePresenter {
			p.send(rtc.Message{Type: rtc.MsgParticipantJoined, Participant: id})
		}
	}
	for _, key := range slices.Sorted(maps.Keys(s.producers)) {
		pr := s.producers[key]
		info := pr.info
		p.send(rtc.Message{Type: rtc.MsgProducerPublished, Producer: &info})
	}
	if p.Role() == domain.RolePresenter {
		s.broadcastLocked(p, rtc.Message{Type: rtc.MsgParticipantJoined, Participant: p.id})
	}
}

// broadcastLocked sends m to every peer except skip.
func (s *Session) broadcastLocked(skip *Peer, m rtc.Message) {
	for _, other := range s.peers {
		if other != skip {
			other.send(m)
		}
	}
}

// remove drops p and everything it published. Reports whether the session
// has no peers left.
func (s *Session) remove(p *Peer) bool {
	s.mu.Lock()
	if s.peers[p.id] != p {
		s.mu.Unlock()
		return false
	}
	delete(s.peers, p.id)
	delete(s.reserved, p.id)
	owned := s.takeOwnedLocked(p)
	for _, pr := range owned {
		info := pr.info
		s.broadcastLocked(p, rtc.Message{Type: rtc.MsgProducerUnpublished, Producer: &info})
	}
	if p.Role() == domain.RolePresenter {
		s.broadcastLocked(p, rtc.Message{Type: rtc.MsgParticipantLeft, Participant: p.id})
	}
	subscribers := s.subscribersLocked()
	empty := len(s.reserved) == 0
	s.mu.Unlock()

	for _, pr := range owned {
		s.dropProducer(pr, subscribers)
	}
	s.relays.DropSubscriber(p.id)
	p.close()
	log.Info().Str("module", "signal").Str("session", string(s.id)).Int64("identifier", int64(p.id)).Msg("peer removed")
	return empty
}

func (s *Session) takeOwnedLocked(p *Peer) []*producer {
	var owned []*producer
	for key, pr := range s.producers {
		if pr.owner == p {
			owned = append(owned, pr)
			delete(s.producers, key)
		}
	}
	return owned
}

func (s *Session) subscribersLocked() []*Peer {
	return slices.Collect(maps.Values(s.peers))
}

// publish starts relaying a track p sent on its publisher connection.
func (s *Session) publish(ctx context.Context, p *Peer, track *webrtc.TrackRemote) {
	if p.Role() != domain.RolePresenter {
		p.logger.Warn().Str("kind", track.Kind().String()).Msg("viewer track ignored")
		return
	}
	pr := &producer{
		info:  core.Producer{WireID: p.id, Media: rtc.MediaOf(track.Kind()), TrackID: track.ID()},
		owner: p,
		codec: track.Codec().RTPCodecCapability,
		ssrc:  track.SSRC(),
	}
	key := pr.info.Key()

	s.mu.Lock()
	if _, ok := s.peers[p.id]; !ok {
		s.mu.Unlock()
		return
	}
	prev, replaced := s.producers[key]
	s.producers[key] = pr
	s.relays.StartRelay(ctx, key, sfu.FromTrack(track))
	info := pr.info
	s.broadcastLocked(p, rtc.Message{Type: rtc.MsgProducerPublished, Producer: &info})
	subscribers := s.subscribersLocked()
	s.mu.Unlock()

	if replaced {
		s.detachSenders(prev.info.Key(), subscribers)
	}
	p.logger.Info().Str("producer", key).Msg("producer published")
}

// unpublish stops relaying one producer of p.
func (s *Session) unpublish(p *Peer, info core.Producer) {
	key := info.Key()
	s.mu.Lock()
	pr, ok := s.producers[key]
	if !ok || pr.owner != p {
		s.mu.Unlock()
		return
	}
	delete(s.producers, key)
	out := pr.info
	s.broadcastLocked(p, rtc.Message{Type: rtc.MsgProducerUnpublished, Producer: &out})
	subscribers := s.subscribersLocked()
	s.mu.Unlock()

	s.dropProducer(pr, subscribers)
	p.logger.Info().Str("producer", key).Msg("producer unpublished")
}

// unpublishAll stops every producer of p. Used when p stops presenting.
func (s *Session) unpublishAll(p *Peer) {
	s.mu.Lock()
	owned := s.takeOwnedLocked(p)
	for _, pr := range owned {
		info := pr.info
		s.broadcastLocked(p, rtc.Message{Type: rtc.MsgProducerUnpublished, Producer: &info})
	}
	subscribers := s.subscribersLocked()
	s.mu.Unlock()
	for _, pr := range owned {
		s.dropProducer(pr, subscribers)
	}
}

func (s *Session) dropProducer(pr *producer, subscribers []*Peer) {
	key := pr.info.Key()
	s.relays.StopRelay(key)
	s.detachSenders(key, subscribers)
}

// detachSenders removes the relayed copy of key from every subscriber
// connection and renegotiates in the background.
func (s *Session) detachSenders(key string, subscribers []*Peer) {
	for _, sub := range subscribers {
		sub.mu.Lock()
		sender, ok := sub.subs[key]
		delete(sub.subs, key)
		sub.mu.Unlock()
		if !ok {
			continue
		}
		go func(peer *Peer) {
			peer.negotiate.Lock()
			defer peer.negotiate.Unlock()
			if err := peer.sub.RemoveTrack(sender); err != nil {
				peer.logger.Debug().Err(err).Str("producer", key).Msg("remove relayed track")
				return
			}
			if err := renegotiate(peer); err != nil {
				peer.logger.Warn().Err(err).Msg("renegotiate after unpublish")
			}
		}(sub)
	}
}

// setRole applies a role change requested by p.
func (s *Session) setRole(p *Peer, role domain.Role) {
	prev := p.setRole(role)
	if prev == role {
		return
	}
	switch role {
	case domain.RoleViewer:
		s.unpublishAll(p)
		s.mu.RLock()
		s.broadcastLocked(p, rtc.Message{Type: rtc.MsgParticipantLeft, Participant: p.id})
		s.mu.RUnlock()
	case domain.RolePresenter:
		s.mu.RLock()
		s.broadcastLocked(p, rtc.Message{Type: rtc.MsgParticipantJoined, Participant: p.id})
		s.mu.RUnlock()
	}
	p.logger.Info().Str("role", string(role)).Msg("role changed")
}

func (s *Session) lookup(key string) (*producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.producers[key]
	return pr, ok
}

func (s *Session) closeAll() {
	s.mu.RLock()
	peers := s.subscribersLocked()
	s.mu.RUnlock()
	for _, p := range peers {
		p.conn.Close()
	}
}
