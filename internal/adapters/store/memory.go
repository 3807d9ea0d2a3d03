// Package store holds presence record storage.
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/domain"
)

type key struct {
	session     domain.SessionID
	participant domain.ParticipantID
}

// Memory is a process-local presence store.
type Memory struct {
	mu      sync.RWMutex
	records map[key]domain.PresenceRecord
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[key]domain.PresenceRecord), now: time.Now}
}

func (m *Memory) Put(_ context.Context, session domain.SessionID, participant domain.ParticipantID, info domain.PresenceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key{session, participant}] = domain.PresenceRecord{
		SessionID:     session,
		ParticipantID: participant,
		DisplayName:   info.DisplayName,
		UpdatedAt:     m.now().UTC(),
	}
	return nil
}

// Delete is idempotent.
func (m *Memory) Delete(_ context.Context, session domain.SessionID, participant domain.ParticipantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key{session, participant})
	return nil
}

// List returns the session's records ordered by participant id.
func (m *Memory) List(_ context.Context, session domain.SessionID) ([]domain.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PresenceRecord, 0)
	for k, r := range m.records {
		if k.session == session {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, byParticipant)
	return out, nil
}

func byParticipant(a, b domain.PresenceRecord) int {
	switch {
	case a.ParticipantID < b.ParticipantID:
		return -1
	case a.ParticipantID > b.ParticipantID:
		return 1
	}
	return 0
}
