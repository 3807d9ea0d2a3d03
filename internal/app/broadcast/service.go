// Package broadcast owns the server-side lifecycle of live sessions.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("broadcast not found")

// Purger removes every presence record of a session.
type Purger interface {
	Purge(ctx context.Context, session domain.SessionID) error
}

// Issuer signs credentials for the host.
type Issuer interface {
	Issue(session domain.SessionID, identifier domain.ParticipantID, role domain.Role) (domain.Credential, error)
}

// Observer is told about lifecycle transitions.
type Observer interface {
	BroadcastStarted(b domain.Broadcast)
	BroadcastEnded(b domain.Broadcast)
}

type Service struct {
	appID    string
	issuer   Issuer
	presence Purger
	observer Observer
	now      func() time.Time

	mu         sync.RWMutex
	broadcasts map[domain.SessionID]*domain.Broadcast
}

// NewService returns a service. observer may be nil.
func NewService(appID string, issuer Issuer, presence Purger, observer Observer) *Service {
	return &Service{
		appID:      appID,
		issuer:     issuer,
		presence:   presence,
		observer:   observer,
		now:        time.Now,
		broadcasts: make(map[domain.SessionID]*domain.Broadcast),
	}
}

// Start marks session live and returns what host needs to join. Starting an
// active broadcast returns its existing channel with a fresh credential.
func (s *Service) Start(_ context.Context, session domain.SessionID, host domain.ParticipantID) (core.BroadcastStart, error) {
	if session == "" || !domain.ValidBaseID(host) {
		return core.BroadcastStart{}, fmt.Errorf("start: %w", domain.ErrInvalidParticipant)
	}
	cred, err := s.issuer.Issue(session, host, domain.RolePresenter)
	if err != nil {
		return core.BroadcastStart{}, fmt.Errorf("start: %w", err)
	}

	s.mu.Lock()
	b, ok := s.broadcasts[session]
	started := !ok || !b.Active
	if started {
		b = &domain.Broadcast{
			SessionID: session,
			Channel:   ulid.Make().String(),
			Active:    true,
			StartedAt: s.now().UTC(),
		}
		s.broadcasts[session] = b
	}
	snapshot := *b
	s.mu.Unlock()

	if started {
		log.Info().Str("module", "broadcast").Str("session", string(session)).Str("channel", snapshot.Channel).Msg("broadcast started")
		if s.observer != nil {
			s.observer.BroadcastStarted(snapshot)
		}
	}
	return core.BroadcastStart{AppID: s.appID, Channel: snapshot.Channel, Credential: cred}, nil
}

// End marks session ended and purges its presence records. Ending an ended
// or unknown broadcast is a no-op.
func (s *Service) End(ctx context.Context, session domain.SessionID) error {
	s.mu.Lock()
	b, ok := s.broadcasts[session]
	ended := ok && b.Active
	if ended {
		at := s.now().UTC()
		b.Active = false
		b.EndedAt = &at
	}
	var snapshot domain.Broadcast
	if ok {
		snapshot = *b
	}
	s.mu.Unlock()

	if err := s.presence.Purge(ctx, session); err != nil {
		return fmt.Errorf("end: purge presence: %w", err)
	}
	if ended {
		log.Info().Str("module", "broadcast").Str("session", string(session)).Msg("broadcast ended")
		if s.observer != nil {
			s.observer.BroadcastEnded(snapshot)
		}
	}
	return nil
}

func (s *Service) Get(session domain.SessionID) (domain.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[session]
	if !ok {
		return domain.Broadcast{}, ErrNotFound
	}
	return *b, nil
}

// Active returns the number of active broadcasts.
func (s *Service) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.broadcasts {
		if b.Active {
			n++
		}
	}
	return n
}

// StartBroadcast and EndBroadcast adapt the service to core.BroadcastLifecycle.
func (s *Service) StartBroadcast(ctx context.Context, session domain.SessionID, host domain.ParticipantID) (core.BroadcastStart, error) {
	return s.Start(ctx, session, host)
}

func (s *Service) EndBroadcast(ctx context.Context, session domain.SessionID) error {
	return s.End(ctx, session)
}
