// Package autoplay recovers remote audio playback blocked by an autoplay policy.
package autoplay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

// Source lists the currently subscribed remote producers.
type Source func() []core.RemoteMedia

// Recovery exposes a one-shot "resume audio" affordance after the transport
// reports that playback was blocked.
type Recovery struct {
	player core.AudioPlayer
	source Source
	self   domain.ParticipantID

	mu       sync.Mutex
	pending  bool
	onChange func(pending bool)
}

// New returns a Recovery that never replays producers whose base id is self.
// Pass a zero self for viewers.
func New(player core.AudioPlayer, source Source, self domain.ParticipantID) *Recovery {
	return &Recovery{player: player, source: source, self: self}
}

// OnChange sets a callback invoked when the affordance appears or goes away.
func (r *Recovery) OnChange(fn func(pending bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Block records an "autoplay blocked" signal and shows the affordance.
func (r *Recovery) Block() {
	r.set(true)
	log.Info().Str("module", "autoplay").Msg("audio playback blocked")
}

func (r *Recovery) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Recover replays every subscribed remote audio producer except the local
// presenter's own. It is a no-op when nothing is pending, and removes the
// affordance once every replay succeeded.
func (r *Recovery) Recover(ctx context.Context) error {
	if !r.Pending() {
		return nil
	}

	var errs []error
	played := 0
	for _, m := range r.source() {
		p := m.Producer()
		if p.Media != domain.MediaAudio {
			continue
		}
		if r.self != 0 && domain.BaseID(p.WireID) == r.self {
			continue
		}
		if err := r.player.Play(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("play %s: %w", p.Key(), err))
			continue
		}
		played++
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Str("module", "autoplay").Msg("recovery incomplete")
		return err
	}

	r.set(false)
	log.Info().Str("module", "autoplay").Int("played", played).Msg("audio playback resumed")
	return nil
}

func (r *Recovery) set(pending bool) {
	r.mu.Lock()
	changed := r.pending != pending
	r.pending = pending
	fn := r.onChange
	r.mu.Unlock()
	if changed && fn != nil {
		fn(pending)
	}
}
