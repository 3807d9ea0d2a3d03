package orch

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/app/layout"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// LocalMedia exposes a local capture track to the surface host as a self view.
type LocalMedia struct {
	producer core.Producer
	Track    core.LocalTrack
}

func (m LocalMedia) Producer() core.Producer { return m.producer }

type mutedPlayer struct{}

func (mutedPlayer) Play(context.Context, core.RemoteMedia) error { return nil }

// mediaTable holds subscribed media by producer key. It has its own lock
// because the render binder reads it from retry goroutines.
type mediaTable struct {
	mu sync.RWMutex
	m  map[string]core.RemoteMedia
}

func newMediaTable() *mediaTable {
	return &mediaTable{m: make(map[string]core.RemoteMedia)}
}

func (t *mediaTable) put(key string, m core.RemoteMedia) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = m
}

func (t *mediaTable) take(key string) (core.RemoteMedia, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.m[key]
	delete(t.m, key)
	return m, ok
}

func (t *mediaTable) dropWire(id domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, m := range t.m {
		if m.Producer().WireID == id {
			delete(t.m, k)
		}
	}
}

func (t *mediaTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.m)
}

func (t *mediaTable) lookup(ref layout.SurfaceRef) (core.RemoteMedia, bool) {
	key := core.Producer{WireID: ref.WireID(), Media: domain.MediaVideo}.Key()
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.m[key]
	return m, ok
}

func (t *mediaTable) audio() []core.RemoteMedia {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []core.RemoteMedia
	for _, m := range t.m {
		if _, local := m.(LocalMedia); local {
			continue
		}
		if m.Producer().Media == domain.MediaAudio {
			out = append(out, m)
		}
	}
	return out
}

// HandleEvent is the primary transport's event callback. Registry mutation
// and layout happen under the lock before any transport call is made.
func (o *Orchestrator) HandleEvent(ev core.Event) {
	switch ev.Type {
	case core.EventProducerPublished:
		o.onPublished(ev.Producer)
	case core.EventProducerUnpublished:
		o.onUnpublished(ev.Producer)
	case core.EventParticipantLeft:
		o.onParticipantLeft(ev.Participant)
	case core.EventParticipantJoined:
		o.logger.Debug().Int64("participant", int64(ev.Participant)).Msg("participant joined")
	case core.EventConnectionStateChanged:
		o.onConnectionState(ev.State)
	case core.EventAutoplayBlocked:
		o.recovery.Block()
	}
}

func (o *Orchestrator) onPublished(p core.Producer) {
	o.mu.Lock()
	if !o.receivingLocked() {
		o.mu.Unlock()
		return
	}
	ch := o.registry.Publish(p.WireID, p.Media)
	o.live[p.Key()] = p
	if ch.Changed {
		o.relayoutLocked()
	}
	own := ch.Base == o.cfg.Self && o.role == domain.RolePresenter
	t, epoch := o.primary, o.epoch
	o.mu.Unlock()

	if own || t == nil {
		return
	}
	// Subscribing waits for media, so it must not hold up later events.
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.subscribe(t, epoch, p)
	}()
}

func (o *Orchestrator) subscribe(t core.Transport, epoch uint64, p core.Producer) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.SubscribeTimeout)
	defer cancel()
	m, err := t.Subscribe(ctx, p)
	if err != nil {
		o.logger.Warn().Err(err).Str("producer", p.Key()).Msg("subscribe")
		return
	}

	o.mu.Lock()
	// The producer may have gone away while Subscribe was in flight.
	if epoch != o.epoch || o.live[p.Key()] != p {
		o.mu.Unlock()
		o.logger.Debug().Str("producer", p.Key()).Msg("dropping stale subscription")
		return
	}
	o.media.put(p.Key(), m)
	if p.Media == domain.MediaVideo {
		o.relayoutLocked()
	}
	o.mu.Unlock()

	if p.Media == domain.MediaAudio {
		if err := o.deps.Audio.Play(o.ctx, m); err != nil {
			o.logger.Info().Err(err).Str("producer", p.Key()).Msg("audio playback blocked")
			o.recovery.Block()
		}
	}
}

func (o *Orchestrator) onUnpublished(p core.Producer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.receivingLocked() {
		return
	}
	delete(o.live, p.Key())
	o.media.take(p.Key())
	if o.registry.Unpublish(p.WireID, p.Media).Changed {
		o.relayoutLocked()
	}
}

func (o *Orchestrator) onParticipantLeft(id domain.ParticipantID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.receivingLocked() {
		return
	}
	for k, p := range o.live {
		if p.WireID == id {
			delete(o.live, k)
		}
	}
	o.media.dropWire(id)
	if o.registry.Leave(id).Changed {
		o.relayoutLocked()
	}
}

func (o *Orchestrator) onConnectionState(st core.ConnectionState) {
	o.logger.Info().Str("state", string(st)).Msg("primary connection")
	if st == core.ConnDisconnected || st == core.ConnFailed {
		o.onPrimaryLost()
	}
}

// onPrimaryLost treats a dropped primary connection as the local identity
// leaving: its producers are gone and its presence record is removed even
// though no explicit leave completed.
func (o *Orchestrator) onPrimaryLost() {
	o.mu.Lock()
	if o.state != StateJoined && o.state != StatePublishing {
		o.mu.Unlock()
		return
	}
	presenting := o.state == StatePublishing
	sh := o.activeScreenLocked()
	o.resetLocked(StateDisconnected)
	o.mu.Unlock()

	o.logger.Warn().Msg("primary connection lost")
	if sh != nil {
		o.background(func(ctx context.Context) { o.teardownScreen(ctx, sh) })
	}
	if presenting {
		o.deletePresence()
	}
}

func (o *Orchestrator) receivingLocked() bool {
	return o.state == StateJoining || o.state == StateJoined || o.state == StatePublishing
}
