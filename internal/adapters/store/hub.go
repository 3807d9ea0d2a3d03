package store

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

// Hub wraps a PresenceStore and pushes a snapshot to watchers of a session
// whenever a record of that session is written or deleted. It implements
// both core.PresenceStore and core.PresenceFeed.
type Hub struct {
	core.PresenceStore

	mu       sync.Mutex
	watchers map[domain.SessionID]map[chan struct{}]struct{}
}

func NewHub(s core.PresenceStore) *Hub {
	return &Hub{PresenceStore: s, watchers: make(map[domain.SessionID]map[chan struct{}]struct{})}
}

func (h *Hub) Put(ctx context.Context, session domain.SessionID, participant domain.ParticipantID, info domain.PresenceInfo) error {
	if err := h.PresenceStore.Put(ctx, session, participant, info); err != nil {
		return err
	}
	h.notify(session)
	return nil
}

func (h *Hub) Delete(ctx context.Context, session domain.SessionID, participant domain.ParticipantID) error {
	if err := h.PresenceStore.Delete(ctx, session, participant); err != nil {
		return err
	}
	h.notify(session)
	return nil
}

// Purge deletes every record of session.
func (h *Hub) Purge(ctx context.Context, session domain.SessionID) error {
	records, err := h.PresenceStore.List(ctx, session)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := h.PresenceStore.Delete(ctx, session, r.ParticipantID); err != nil {
			return err
		}
	}
	if len(records) > 0 {
		h.notify(session)
	}
	return nil
}

// Watch calls fn with the current snapshot, then again after every change,
// until ctx is done. Bursts of changes may be coalesced.
func (h *Hub) Watch(ctx context.Context, session domain.SessionID, fn func(core.PresenceSnapshot)) error {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.watchers[session] == nil {
		h.watchers[session] = make(map[chan struct{}]struct{})
	}
	h.watchers[session][ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.watchers[session], ch)
		if len(h.watchers[session]) == 0 {
			delete(h.watchers, session)
		}
		h.mu.Unlock()
	}()

	for {
		records, err := h.PresenceStore.List(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("module", "store").Str("session", string(session)).Msg("list presence for watcher")
		} else {
			fn(core.PresenceSnapshot{Count: len(records), Records: records})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Watchers returns the number of active watchers of session.
func (h *Hub) Watchers(session domain.SessionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[session])
}

func (h *Hub) notify(session domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[session] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
