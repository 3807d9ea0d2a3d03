package core

import (
	"context"

	"github.com/dkeye/Stage/internal/domain"
)

// PresenceStore keeps one record per (session, participant) for live presenters.
type PresenceStore interface {
	Put(ctx context.Context, session domain.SessionID, participant domain.ParticipantID, info domain.PresenceInfo) error
	Delete(ctx context.Context, session domain.SessionID, participant domain.ParticipantID) error
	List(ctx context.Context, session domain.SessionID) ([]domain.PresenceRecord, error)
}

// PresenceSnapshot is one observation of a session's presence.
type PresenceSnapshot struct {
	Count   int                     `json:"count"`
	Records []domain.PresenceRecord `json:"records"`
}

// PresenceFeed delivers presence snapshots by push or by periodic pull.
// Watch blocks until ctx is done or the feed fails.
type PresenceFeed interface {
	Watch(ctx context.Context, session domain.SessionID, fn func(PresenceSnapshot)) error
}
