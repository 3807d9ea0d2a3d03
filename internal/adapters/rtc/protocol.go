package rtc

import (
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Signaling message types exchanged over /api/ws/rtc.
const (
	MsgWelcome             = "welcome"
	MsgOffer               = "offer"
	MsgAnswer              = "answer"
	MsgCandidate           = "candidate"
	MsgRole                = "role"
	MsgSubscribe           = "subscribe"
	MsgUnpublish           = "unpublish"
	MsgLeave               = "leave"
	MsgPing                = "ping"
	MsgPong                = "pong"
	MsgError               = "error"
	MsgParticipantJoined   = "participant_joined"
	MsgParticipantLeft     = "participant_left"
	MsgProducerPublished   = "producer_published"
	MsgProducerUnpublished = "producer_unpublished"
)

// Negotiation targets. Each client owns a publisher connection that it offers
// on and a subscriber connection that the server offers on.
const (
	TargetPublisher  = "publisher"
	TargetSubscriber = "subscriber"
)

// Message is the single envelope of the signaling protocol. Only the fields
// relevant to Type are set.
type Message struct {
	Type        string                   `json:"type"`
	Target      string                   `json:"target,omitempty"`
	SDP         string                   `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Role        domain.Role              `json:"role,omitempty"`
	Participant domain.ParticipantID     `json:"participant,omitempty"`
	Producer    *core.Producer           `json:"producer,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// StreamID is the stream id a relayed producer is delivered under.
func StreamID(p core.Producer) string { return p.Key() }

func MediaOf(kind webrtc.RTPCodecType) domain.MediaKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.MediaAudio
	}
	return domain.MediaVideo
}
