// Package tracks keeps the single source of truth for who is publishing what.
package tracks

import (
	"slices"
	"sync"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

// State is the per-participant publish state. An entry exists only while at
// least one flag is true.
type State struct {
	HasCamera bool `json:"has_camera"`
	HasScreen bool `json:"has_screen"`
}

func (s State) empty() bool { return !s.HasCamera && !s.HasScreen }

// Change describes the effect of one registry operation.
type Change struct {
	Base    domain.ParticipantID
	Kind    domain.ProducerKind
	Changed bool
}

type Registry struct {
	mu        sync.RWMutex
	entries   map[domain.ParticipantID]State
	joinOrder []domain.ParticipantID
	seen      map[domain.ParticipantID]bool // cameras ever observed
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[domain.ParticipantID]State),
		seen:    make(map[domain.ParticipantID]bool),
	}
}

// Publish upserts the entry for the producer's base id. Audio producers do
// not affect the visible state.
func (r *Registry) Publish(wireID domain.ParticipantID, media domain.MediaKind) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, kind := domain.Resolve(wireID, r.seen)
	ch := Change{Base: base, Kind: kind}
	if media != domain.MediaVideo {
		return ch
	}

	st := r.entries[base]
	switch kind {
	case domain.Camera:
		ch.Changed = !st.HasCamera
		st.HasCamera = true
		if !r.seen[base] {
			r.seen[base] = true
			r.joinOrder = append(r.joinOrder, base)
		}
	case domain.Screen:
		ch.Changed = !st.HasScreen
		st.HasScreen = true
	}
	r.entries[base] = st

	if ch.Changed {
		log.Info().Str("module", "tracks").
			Int64("base", int64(base)).
			Str("kind", kind.String()).
			Msg("producer published")
	}
	return ch
}

// Unpublish clears the flag of the producer's kind. Unknown ids are a no-op.
func (r *Registry) Unpublish(wireID domain.ParticipantID, media domain.MediaKind) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, kind := domain.Resolve(wireID, r.seen)
	ch := Change{Base: base, Kind: kind}
	if media != domain.MediaVideo {
		return ch
	}
	ch.Changed = r.clearLocked(base, kind)
	return ch
}

// Leave handles a participant-left event for a wire identifier. A base
// identity takes its camera with it; a screen identity takes its screen.
func (r *Registry) Leave(wireID domain.ParticipantID) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, kind := domain.Resolve(wireID, r.seen)
	return Change{Base: base, Kind: kind, Changed: r.clearLocked(base, kind)}
}

func (r *Registry) clearLocked(base domain.ParticipantID, kind domain.ProducerKind) bool {
	st, ok := r.entries[base]
	if !ok {
		return false
	}
	changed := false
	switch kind {
	case domain.Camera:
		changed = st.HasCamera
		st.HasCamera = false
	case domain.Screen:
		changed = st.HasScreen
		st.HasScreen = false
	}
	if st.empty() {
		delete(r.entries, base)
		log.Info().Str("module", "tracks").Int64("base", int64(base)).Msg("entry removed")
		return true
	}
	r.entries[base] = st
	return changed
}

// Get returns the state for base.
func (r *Registry) Get(base domain.ParticipantID) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.entries[base]
	return st, ok
}

// Snapshot returns a copy of every entry.
func (r *Registry) Snapshot() map[domain.ParticipantID]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.ParticipantID]State, len(r.entries))
	for id, st := range r.entries {
		out[id] = st
	}
	return out
}

// JoinOrder returns base ids in first-camera-publish order. Entries are never
// removed on leave; it only breaks ties in symmetric layouts.
func (r *Registry) JoinOrder() []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.joinOrder)
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
