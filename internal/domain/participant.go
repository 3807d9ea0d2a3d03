// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strconv"
)

const (
	MaxDisplayNameLen  = 64
	DefaultDisplayName = "Presenter"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrInvalidParticipant = errors.New("participant id out of range")
)

// ParticipantID is the base identity of a human presenter, stable for the session.
type ParticipantID int64

func (id ParticipantID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseParticipantID parses a decimal wire identifier.
func ParseParticipantID(s string) (ParticipantID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ParticipantID(n), nil
}

type SessionID string

type Role string

const (
	RolePresenter Role = "presenter"
	RoleViewer    Role = "viewer"
)

func (r Role) Valid() bool { return r == RolePresenter || r == RoleViewer }

// Presenter is a participant permitted to publish media.
type Presenter struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name"`
}

// NewPresenter is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewPresenter(id ParticipantID, name string) (*Presenter, error) {
	if !ValidBaseID(id) {
		return nil, ErrInvalidParticipant
	}
	p := &Presenter{ID: id}
	if err := p.SetDisplayName(name); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Presenter) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
