package domain

import "time"

// Broadcast is the server-side lifecycle record of one live session.
type Broadcast struct {
	SessionID SessionID  `json:"session"`
	Channel   string     `json:"channel"`
	Active    bool       `json:"active"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// PresenceRecord marks "this presenter is currently live", independent of track state.
type PresenceRecord struct {
	SessionID     SessionID     `json:"session"`
	ParticipantID ParticipantID `json:"participant"`
	DisplayName   string        `json:"display_name"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PresenceInfo is the payload a presenter writes about itself.
type PresenceInfo struct {
	DisplayName string `json:"display_name"`
}

// Credential is a short-lived transport credential for one identifier.
type Credential struct {
	Token      string        `json:"token"`
	Identifier ParticipantID `json:"identifier"`
	Role       Role          `json:"role"`
	ExpiresAt  time.Time     `json:"expires_at"`
}
