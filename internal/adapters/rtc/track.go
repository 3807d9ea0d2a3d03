package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is a publishable track fed by the caller through WriteRTP.
// While disabled, written packets are dropped.
type LocalTrack struct {
	track    *webrtc.TrackLocalStaticRTP
	media    domain.MediaKind
	enabled  atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func NewLocalTrack(media domain.MediaKind) (*LocalTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if media == domain.MediaAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(media)+"-"+uuid.NewString(), "local")
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{track: track, media: media, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Media() domain.MediaKind { return t.media }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)      { t.enabled.Store(on) }
func (t *LocalTrack) Stopped() bool           { return t.stopped.Load() }

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)
	})
}

func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if !t.Enabled() || t.Stopped() {
		return nil
	}
	return t.track.WriteRTP(p)
}

// StaticCapture hands out local tracks for headless use. With Generate set
// every track sends idle media until stopped; otherwise the caller feeds it.
type StaticCapture struct {
	Generate bool

	mu     sync.Mutex
	tracks []*LocalTrack
}

func (c *StaticCapture) Camera(context.Context) (core.LocalTrack, error) {
	return c.make(domain.MediaVideo)
}

func (c *StaticCapture) Microphone(context.Context) (core.LocalTrack, error) {
	return c.make(domain.MediaAudio)
}

func (c *StaticCapture) Screen(context.Context) (core.LocalTrack, core.LocalTrack, error) {
	video, err := c.make(domain.MediaVideo)
	if err != nil {
		return nil, nil, err
	}
	return video, nil, nil
}

func (c *StaticCapture) make(media domain.MediaKind) (*LocalTrack, error) {
	t, err := NewLocalTrack(media)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCaptureDenied, err)
	}
	if c.Generate {
		t.GenerateIdle()
	}
	c.mu.Lock()
	c.tracks = append(c.tracks, t)
	c.mu.Unlock()
	return t, nil
}

// Tracks returns every track handed out so far.
func (c *StaticCapture) Tracks() []*LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*LocalTrack(nil), c.tracks...)
}

// RemoteTrack is a subscribed producer. Packets are drained and counted until
// the track ends.
type RemoteTrack struct {
	producer core.Producer
	track    *webrtc.TrackRemote
	packets  atomic.Int64
	done     chan struct{}
}

func newRemoteTrack(p core.Producer, track *webrtc.TrackRemote) *RemoteTrack {
	p.TrackID = track.ID()
	r := &RemoteTrack{producer: p, track: track, done: make(chan struct{})}
	go r.drain()
	return r
}

func (r *RemoteTrack) drain() {
	defer close(r.done)
	for {
		if _, _, err := r.track.ReadRTP(); err != nil {
			return
		}
		r.packets.Add(1)
	}
}

func (r *RemoteTrack) Producer() core.Producer { return r.producer }
func (r *RemoteTrack) Packets() int64          { return r.packets.Load() }

// Done is closed when the remote track ends.
func (r *RemoteTrack) Done() <-chan struct{} { return r.done }
