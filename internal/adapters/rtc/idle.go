package rtc

import (
	"time"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const (
	idleVideoInterval = 100 * time.Millisecond
	idleAudioInterval = 20 * time.Millisecond
)

var (
	// vp8Keyframe is a payload descriptor followed by the header of a 16x16
	// key frame.
	vp8Keyframe = []byte{0x10, 0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}
	// opusSilence is one 20ms CELT frame of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
)

// GenerateIdle starts sending placeholder media on t until it is stopped:
// key frames at 10 fps for video, silence for audio. Disabled tracks send
// nothing, as with WriteRTP.
func (t *LocalTrack) GenerateIdle() {
	interval, payload, clock := idleVideoInterval, vp8Keyframe, uint32(90000)
	if t.media == domain.MediaAudio {
		interval, payload, clock = idleAudioInterval, opusSilence, 48000
	}
	go t.generate(interval, payload, clock)
}

func (t *LocalTrack) generate(interval time.Duration, payload []byte, clock uint32) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	step := uint32(uint64(clock) * uint64(interval) / uint64(time.Second))
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, Marker: true}, Payload: payload}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		pkt.SequenceNumber++
		pkt.Timestamp += step
		if err := t.WriteRTP(pkt); err != nil {
			log.Debug().Err(err).Str("module", "webrtc").Str("media", string(t.media)).Msg("idle write")
		}
	}
}
