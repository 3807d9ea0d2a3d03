package core

import (
	"context"
	"errors"

	"github.com/dkeye/Stage/internal/domain"
)

// ErrCaptureDenied is wrapped by CaptureDevice errors when the user or the OS
// refuses access to a capture source.
var ErrCaptureDenied = errors.New("capture denied")

// TokenIssuer returns a short-lived credential for one identifier.
type TokenIssuer interface {
	IssueToken(ctx context.Context, session domain.SessionID, identifier domain.ParticipantID, role domain.Role) (domain.Credential, error)
}

// BroadcastStart is what a host needs to go live.
type BroadcastStart struct {
	AppID      string            `json:"app_id"`
	Channel    string            `json:"channel"`
	Credential domain.Credential `json:"credential"`
}

type BroadcastLifecycle interface {
	StartBroadcast(ctx context.Context, session domain.SessionID, host domain.ParticipantID) (BroadcastStart, error)
	EndBroadcast(ctx context.Context, session domain.SessionID) error
}

// CaptureDevice acquires local capture tracks.
type CaptureDevice interface {
	Camera(ctx context.Context) (LocalTrack, error)
	Microphone(ctx context.Context) (LocalTrack, error)
	// Screen returns the screen video track and an optional audio track (nil when absent).
	Screen(ctx context.Context) (video LocalTrack, audio LocalTrack, err error)
}

// AudioPlayer starts playback of a subscribed remote audio producer.
type AudioPlayer interface {
	Play(ctx context.Context, media RemoteMedia) error
}
