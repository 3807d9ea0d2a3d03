package orch

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/domain"
)

// DefaultQuiescence is how long a derived identifier stays reserved after
// its session left, so the backend can release it.
const DefaultQuiescence = 1500 * time.Millisecond

type slotState int

const (
	slotJoining slotState = iota
	slotActive
	slotQuiescing
)

type slot struct {
	state      slotState
	releasedAt time.Time
}

// IdentifierGuard tracks identifiers currently joining or in use within one
// broadcast session. A second attempt on a busy identifier is rejected, not queued.
type IdentifierGuard struct {
	quiescence time.Duration
	now        func() time.Time

	mu    sync.Mutex
	slots map[domain.ParticipantID]*slot
}

// NewIdentifierGuard returns a guard. now may be nil to use time.Now.
func NewIdentifierGuard(quiescence time.Duration, now func() time.Time) *IdentifierGuard {
	if quiescence < 0 {
		quiescence = 0
	}
	if now == nil {
		now = time.Now
	}
	return &IdentifierGuard{
		quiescence: quiescence,
		now:        now,
		slots:      make(map[domain.ParticipantID]*slot),
	}
}

// Acquire reserves id for a join attempt.
func (g *IdentifierGuard) Acquire(id domain.ParticipantID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.slots[id]; ok {
		switch s.state {
		case slotJoining:
			return fmt.Errorf("%w: %d is joining", ErrIdentifierBusy, id)
		case slotActive:
			return fmt.Errorf("%w: %d is in use", ErrIdentifierBusy, id)
		case slotQuiescing:
			if wait := s.releasedAt.Add(g.quiescence).Sub(g.now()); wait > 0 {
				return fmt.Errorf("%w: %d is quiescing for %s", ErrIdentifierBusy, id, wait)
			}
		}
	}
	g.slots[id] = &slot{state: slotJoining}
	return nil
}

// Activate marks a reserved id as successfully joined.
func (g *IdentifierGuard) Activate(id domain.ParticipantID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.slots[id]; ok {
		s.state = slotActive
	}
}

// Release frees id after the quiescence delay. Call it once the session
// using id has left.
func (g *IdentifierGuard) Release(id domain.ParticipantID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[id] = &slot{state: slotQuiescing, releasedAt: g.now()}
}

// Abort frees id immediately. Only valid when no join was attempted.
func (g *IdentifierGuard) Abort(id domain.ParticipantID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.slots, id)
}

// Busy reports whether Acquire would currently reject id.
func (g *IdentifierGuard) Busy(id domain.ParticipantID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[id]
	if !ok {
		return false
	}
	if s.state != slotQuiescing {
		return true
	}
	return g.now().Before(s.releasedAt.Add(g.quiescence))
}
