// Package render applies layout decisions to concrete output surfaces.
package render

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/app/layout"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 160 * time.Millisecond
)

var errSuperseded = errors.New("superseded by a newer layout")

// NameLookup returns the display name of a presenter, or "" when unknown.
type NameLookup func(domain.ParticipantID) string

// MediaLookup returns the subscribed media behind a surface, if any yet.
type MediaLookup func(layout.SurfaceRef) (core.RemoteMedia, bool)

type Options struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// SurfaceState is what the binder believes a surface currently shows.
type SurfaceState struct {
	Placement core.Placement
	Anchor    core.Anchor
	Label     string
	Producer  string
}

type target struct {
	ref       layout.SurfaceRef
	placement core.Placement
	anchor    core.Anchor
}

// Binder makes the surface host match the latest decision set. Re-applying
// the same decisions is a no-op on the host.
type Binder struct {
	host  core.SurfaceHost
	names NameLookup
	media MediaLookup
	opts  Options

	mu       sync.Mutex
	gen      uint64
	surfaces map[core.SurfaceID]*SurfaceState
	pending  sync.WaitGroup
}

func NewBinder(host core.SurfaceHost, names NameLookup, media MediaLookup, opts Options) *Binder {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if names == nil {
		names = func(domain.ParticipantID) string { return "" }
	}
	if media == nil {
		media = func(layout.SurfaceRef) (core.RemoteMedia, bool) { return nil, false }
	}
	return &Binder{
		host:     host,
		names:    names,
		media:    media,
		opts:     opts,
		surfaces: make(map[core.SurfaceID]*SurfaceState),
	}
}

// Apply makes the host reflect decisions. Surfaces whose mount point is not
// ready are retried in the background until a newer Apply supersedes them.
func (b *Binder) Apply(ctx context.Context, decisions []layout.Decision) {
	targets := expand(decisions)

	b.mu.Lock()
	b.gen++
	gen := b.gen

	wanted := make(map[core.SurfaceID]bool, len(targets))
	for _, t := range targets {
		wanted[t.ref.ID] = true
	}
	for id := range b.surfaces {
		if !wanted[id] {
			b.removeLocked(id)
		}
	}

	var late []target
	for _, t := range targets {
		err := b.applyLocked(t)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrSurfaceNotReady):
			late = append(late, t)
		default:
			log.Warn().Err(err).Str("module", "render").Str("surface", string(t.ref.ID)).Msg("apply surface")
		}
	}
	b.mu.Unlock()

	for _, t := range late {
		b.pending.Add(1)
		go b.retryLate(ctx, gen, t)
	}
}

func (b *Binder) retryLate(ctx context.Context, gen uint64, t target) {
	defer b.pending.Done()
	err := Retry(ctx, b.opts.RetryAttempts, b.opts.RetryDelay, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.gen != gen {
			return Permanent(errSuperseded)
		}
		err := b.applyLocked(t)
		if err != nil && !errors.Is(err, core.ErrSurfaceNotReady) {
			return Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		log.Debug().Str("module", "render").Str("surface", string(t.ref.ID)).Msg("late surface applied")
	case errors.Is(err, errSuperseded):
	default:
		// The next layout event re-applies the full decision set.
		log.Warn().Err(err).Str("module", "render").Str("surface", string(t.ref.ID)).Msg("giving up on surface")
	}
}

func (b *Binder) applyLocked(t target) error {
	id := t.ref.ID
	st, ok := b.surfaces[id]
	if t.placement == core.PlacementHidden {
		if ok && st.Placement != core.PlacementHidden {
			if err := b.host.SetPlacement(id, core.PlacementHidden, core.AnchorNone); err != nil {
				return err
			}
			st.Placement, st.Anchor = core.PlacementHidden, core.AnchorNone
		}
		return nil
	}

	if !ok {
		if err := b.host.CreateSurface(id); err != nil {
			return err
		}
		st = &SurfaceState{}
		b.surfaces[id] = st
	}

	if label := b.label(t.ref); st.Label != label {
		if err := b.host.SetLabel(id, label); err != nil {
			return err
		}
		st.Label = label
	}
	if st.Placement != t.placement || st.Anchor != t.anchor {
		if err := b.host.SetPlacement(id, t.placement, t.anchor); err != nil {
			return err
		}
		st.Placement, st.Anchor = t.placement, t.anchor
	}
	if m, ok := b.media(t.ref); ok {
		if key := m.Producer().Key(); st.Producer != key {
			if err := b.host.BindProducer(id, m); err != nil {
				return err
			}
			st.Producer = key
		}
	}
	return nil
}

func (b *Binder) removeLocked(id core.SurfaceID) {
	if err := b.host.RemoveSurface(id); err != nil {
		log.Warn().Err(err).Str("module", "render").Str("surface", string(id)).Msg("remove surface")
	}
	delete(b.surfaces, id)
}

func (b *Binder) label(ref layout.SurfaceRef) string {
	name := b.names(ref.Participant)
	if name == "" {
		name = domain.DefaultDisplayName
	}
	if ref.Source == domain.Screen {
		return name + " (screen)"
	}
	return name
}

// Clear removes every surface and abandons pending retries.
func (b *Binder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	for id := range b.surfaces {
		b.removeLocked(id)
	}
}

// Surfaces returns a copy of the binder's view of the host.
func (b *Binder) Surfaces() map[core.SurfaceID]SurfaceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[core.SurfaceID]SurfaceState, len(b.surfaces))
	for id, st := range b.surfaces {
		out[id] = *st
	}
	return out
}

// Wait blocks until background retries have finished.
func (b *Binder) Wait() { b.pending.Wait() }

func expand(decisions []layout.Decision) []target {
	out := make([]target, 0, len(decisions)+1)
	for _, d := range decisions {
		switch d.Kind {
		case layout.FullScreen:
			out = append(out, target{ref: d.Surface, placement: core.PlacementFullScreen})
		case layout.SplitPair:
			out = append(out,
				target{ref: d.Surface, placement: core.PlacementSplitLeft},
				target{ref: d.Right, placement: core.PlacementSplitRight})
		case layout.FloatingOverlay:
			out = append(out, target{ref: d.Surface, placement: core.PlacementFloating, anchor: d.Anchor})
		case layout.BackgroundFill:
			out = append(out, target{ref: d.Surface, placement: core.PlacementBackground})
		case layout.Hidden:
			out = append(out, target{ref: d.Surface, placement: core.PlacementHidden})
		}
	}
	return out
}
