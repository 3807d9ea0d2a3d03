// Package sfu forwards published producers to their subscribers.
package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

// Observer receives relay counters. May be nil.
type Observer interface {
	SetActiveRelays(n int)
	IncRelayWriteFailures()
}

// RelayManager owns the relays of one session, keyed by producer key.
type RelayManager struct {
	observer Observer

	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager(observer Observer) *RelayManager {
	return &RelayManager{
		observer: observer,
		relays:   make(map[string]*Relay),
	}
}

// StartRelay creates a relay for key and starts its loop. A relay already
// running under key is replaced.
func (m *RelayManager) StartRelay(ctx context.Context, key string, src Source) {
	logger := log.With().
		Str("module", "sfu").
		Str("producer", key).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	var onFail func()
	if m.observer != nil {
		onFail = m.observer.IncRelayWriteFailures
	}
	relay := newRelay(key, src, cancel, onFail)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[key] = relay
	n := len(m.relays)
	m.mu.Unlock()
	m.report(n)

	logger.Info().Msg("starting relay loop")
	go func() {
		relay.loop(relayCtx, &logger)
		m.forget(key, relay)
	}()
}

func (m *RelayManager) forget(key string, relay *Relay) {
	m.mu.Lock()
	if cur, ok := m.relays[key]; ok && cur == relay {
		delete(m.relays, key)
	}
	n := len(m.relays)
	m.mu.Unlock()
	m.report(n)
}

func (m *RelayManager) report(n int) {
	if m.observer != nil {
		m.observer.SetActiveRelays(n)
	}
}

// AddSubscriber attaches sink to the relay of key for dst.
func (m *RelayManager) AddSubscriber(key string, dst domain.ParticipantID, sink Sink) bool {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.addOutTrack(dst, NewOutTrack(sink))
	return true
}

// RemoveSubscriber marks dst's OutTrack of key as deleted.
func (m *RelayManager) RemoveSubscriber(key string, dst domain.ParticipantID) {
	if ot, ok := m.outTrack(key, dst); ok {
		ot.MarkDelete()
	}
}

// SetMuted pauses or resumes forwarding of key to dst.
func (m *RelayManager) SetMuted(key string, dst domain.ParticipantID, muted bool) {
	ot, ok := m.outTrack(key, dst)
	if !ok {
		return
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
}

func (m *RelayManager) outTrack(key string, dst domain.ParticipantID) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(dst)
}

// DropSubscriber detaches dst from every relay.
func (m *RelayManager) DropSubscriber(dst domain.ParticipantID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, relay := range m.relays {
		if ot, ok := relay.outTrack(dst); ok {
			ot.MarkDelete()
		}
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(key string) {
	m.mu.Lock()
	relay, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	n := len(m.relays)
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
	m.report(n)
}

func (m *RelayManager) HasRelay(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}

// Keys lists the producer keys with a running relay.
func (m *RelayManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.relays))
	for k := range m.relays {
		keys = append(keys, k)
	}
	return keys
}
