package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/webrtc/v4"
)

// handleOffer answers a negotiation on the peer's publisher connection.
func (ctl *Controller) handleOffer(p *Peer, m rtc.Message) {
	if m.Target != rtc.TargetPublisher {
		p.sendError("bad_target", nil)
		return
	}
	answer, err := p.pub.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP})
	if err != nil {
		p.logger.Error().Err(err).Msg("webrtc apply offer")
		p.sendError("bad_offer", nil)
		return
	}
	p.send(rtc.Message{Type: rtc.MsgAnswer, Target: rtc.TargetPublisher, SDP: answer.SDP})
}

// handleAnswer completes a server-initiated negotiation on the subscriber connection.
func (ctl *Controller) handleAnswer(p *Peer, m rtc.Message) {
	if m.Target != rtc.TargetSubscriber {
		p.sendError("bad_target", nil)
		return
	}
	select {
	case p.answers <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}:
	default:
		p.logger.Warn().Msg("unexpected answer dropped")
	}
}

func (ctl *Controller) handleCandidate(p *Peer, m rtc.Message) {
	if m.Candidate == nil {
		return
	}
	conn := p.pub
	if m.Target == rtc.TargetSubscriber {
		conn = p.sub
	}
	if err := conn.AddICECandidate(*m.Candidate); err != nil {
		p.logger.Error().Err(err).Msg("add ice candidate")
	}
}

// handleSubscribe attaches a relayed copy of a producer to the peer's
// subscriber connection. Runs off the read pump since it waits for the answer.
func (ctl *Controller) handleSubscribe(s *Session, p *Peer, m rtc.Message) {
	if m.Producer == nil {
		p.sendError("bad_payload", nil)
		return
	}
	want := *m.Producer
	if err := ctl.subscribe(s, p, want); err != nil {
		p.logger.Warn().Err(err).Str("producer", want.Key()).Msg("subscribe failed")
		p.sendError(err.Error(), &want)
	}
}

var (
	ErrUnknownProducer = errors.New("unknown producer")
	ErrOwnProducer     = errors.New("cannot subscribe to own producer")
)

func (ctl *Controller) subscribe(s *Session, p *Peer, want core.Producer) error {
	key := want.Key()
	pr, ok := s.lookup(key)
	if !ok {
		return ErrUnknownProducer
	}
	if pr.owner == p {
		return ErrOwnProducer
	}
	track, err := webrtc.NewTrackLocalStaticRTP(pr.codec, "relay-"+key, rtc.StreamID(pr.info))
	if err != nil {
		return fmt.Errorf("local track: %w", err)
	}

	p.negotiate.Lock()
	defer p.negotiate.Unlock()

	p.mu.Lock()
	old, had := p.subs[key]
	delete(p.subs, key)
	p.mu.Unlock()
	if had {
		_ = p.sub.RemoveTrack(old)
	}

	owner, ssrc := pr.owner, pr.ssrc
	sender, err := p.sub.AddLocalTrack(track, func() { owner.pub.RequestKeyframe(ssrc) })
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	if !s.relays.AddSubscriber(key, p.id, track) {
		_ = p.sub.RemoveTrack(sender)
		return ErrUnknownProducer
	}
	p.mu.Lock()
	p.subs[key] = sender
	p.mu.Unlock()

	if err := renegotiate(p); err != nil {
		s.relays.RemoveSubscriber(key, p.id)
		return err
	}
	if pr.info.Media == domain.MediaVideo {
		owner.pub.RequestKeyframe(ssrc)
	}
	p.logger.Info().Str("producer", key).Msg("subscribed")
	return nil
}

func renegotiate(p *Peer) error {
	select {
	case <-p.answers:
	default:
	}
	offer, err := p.sub.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	p.send(rtc.Message{Type: rtc.MsgOffer, Target: rtc.TargetSubscriber, SDP: offer.SDP})

	ctx, cancel := context.WithTimeout(p.ctx, negotiationTimeout)
	defer cancel()
	select {
	case answer := <-p.answers:
		return p.sub.ApplyAnswer(answer)
	case <-ctx.Done():
		return fmt.Errorf("await answer: %w", ctx.Err())
	}
}

