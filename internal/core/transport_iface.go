package core

import (
	"context"
	"fmt"

	"github.com/dkeye/Stage/internal/domain"
)

// Producer is a published remote media source announced by the transport.
type Producer struct {
	WireID  domain.ParticipantID `json:"identifier"`
	Media   domain.MediaKind     `json:"media"`
	TrackID string               `json:"track_id,omitempty"`
}

// Key identifies a producer instance independent of its track id.
func (p Producer) Key() string {
	return fmt.Sprintf("%d/%s", p.WireID, p.Media)
}

type EventType int

const (
	EventParticipantJoined EventType = iota
	EventParticipantLeft
	EventProducerPublished
	EventProducerUnpublished
	EventConnectionStateChanged
	EventAutoplayBlocked
)

func (t EventType) String() string {
	switch t {
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventProducerPublished:
		return "producer_published"
	case EventProducerUnpublished:
		return "producer_unpublished"
	case EventConnectionStateChanged:
		return "connection_state_changed"
	case EventAutoplayBlocked:
		return "autoplay_blocked"
	}
	return "unknown"
}

type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
)

// Event is a transport callback. Only the fields relevant to Type are set.
type Event struct {
	Type        EventType
	Participant domain.ParticipantID
	Producer    Producer
	State       ConnectionState
}

// LocalTrack is a captured local media track owned by the caller.
type LocalTrack interface {
	Media() domain.MediaKind
	Enabled() bool
	// SetEnabled mutes or unmutes an already-published track without re-publishing.
	SetEnabled(bool)
	// Stop releases the capture source.
	Stop()
}

// RemoteMedia is the subscribed media handle of a remote producer.
type RemoteMedia interface {
	Producer() Producer
}

// Transport abstracts the real-time media transport for one identifier.
// Every call may suspend for an unbounded but finite time.
type Transport interface {
	Join(ctx context.Context, appID string, session domain.SessionID, token string, identifier domain.ParticipantID) error
	SetRole(ctx context.Context, role domain.Role) error
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, p Producer) (RemoteMedia, error)
	Leave(ctx context.Context) error
	// OnEvent sets the callback for transport events. Must be set before Join.
	OnEvent(func(Event))
}

// TransportFactory creates one transport client per identifier.
type TransportFactory interface {
	NewTransport(identifier domain.ParticipantID) Transport
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(identifier domain.ParticipantID) Transport

func (f TransportFactoryFunc) NewTransport(identifier domain.ParticipantID) Transport {
	return f(identifier)
}
