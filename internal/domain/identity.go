package domain

// ScreenOffset is added to a base identifier to derive the wire identifier
// of that participant's screen-share producer.
const ScreenOffset ParticipantID = 1000

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type ProducerKind int

const (
	Camera ProducerKind = iota
	Screen
)

func (k ProducerKind) String() string {
	if k == Screen {
		return "screen"
	}
	return "camera"
}

// ValidBaseID reports whether id can serve as a base identifier.
// Base ids live strictly below ScreenOffset so the derived range never overlaps.
func ValidBaseID(id ParticipantID) bool {
	return id > 0 && id < ScreenOffset
}

func ScreenID(base ParticipantID) ParticipantID {
	return base + ScreenOffset
}

// BaseID maps any wire identifier back to its base identifier.
func BaseID(id ParticipantID) ParticipantID {
	if LooksLikeScreen(id) {
		return id - ScreenOffset
	}
	return id
}

// IsScreenID reports whether id is the screen identifier of a camera already
// observed in knownCameras.
func IsScreenID(id ParticipantID, knownCameras map[ParticipantID]bool) bool {
	if id < ScreenOffset {
		return false
	}
	return knownCameras[id-ScreenOffset]
}

// LooksLikeScreen classifies id by range alone. Used for a screen whose
// camera has not been seen yet.
func LooksLikeScreen(id ParticipantID) bool {
	return id >= ScreenOffset
}

// Resolve returns the base identifier and producer kind for a wire identifier.
func Resolve(id ParticipantID, knownCameras map[ParticipantID]bool) (ParticipantID, ProducerKind) {
	if IsScreenID(id, knownCameras) || LooksLikeScreen(id) {
		return id - ScreenOffset, Screen
	}
	return id, Camera
}
