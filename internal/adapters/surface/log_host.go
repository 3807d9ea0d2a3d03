// Package surface provides a headless SurfaceHost and AudioPlayer that
// report what a UI would show.
package surface

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// View is the observable state of one surface.
type View struct {
	ID        core.SurfaceID
	Placement core.Placement
	Anchor    core.Anchor
	Label     string
	Producer  string
}

func (v View) String() string {
	s := fmt.Sprintf("%s %s", v.ID, v.Placement)
	if v.Anchor != core.AnchorNone {
		s += "@" + string(v.Anchor)
	}
	if v.Label != "" {
		s += fmt.Sprintf(" %q", v.Label)
	}
	return s
}

// LogHost keeps surfaces in memory and logs every change.
type LogHost struct {
	logger zerolog.Logger

	mu    sync.Mutex
	views map[core.SurfaceID]*View
}

func NewLogHost() *LogHost {
	return &LogHost{
		logger: log.With().Str("module", "surface").Logger(),
		views:  make(map[core.SurfaceID]*View),
	}
}

func (h *LogHost) CreateSurface(id core.SurfaceID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.views[id]; !ok {
		h.views[id] = &View{ID: id}
		h.logger.Info().Str("surface", string(id)).Msg("surface created")
	}
	return nil
}

func (h *LogHost) view(id core.SurfaceID) (*View, error) {
	v, ok := h.views[id]
	if !ok {
		return nil, fmt.Errorf("surface %s: %w", id, core.ErrSurfaceNotReady)
	}
	return v, nil
}

func (h *LogHost) SetPlacement(id core.SurfaceID, p core.Placement, a core.Anchor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(id)
	if err != nil {
		return err
	}
	if v.Placement != p || v.Anchor != a {
		v.Placement, v.Anchor = p, a
		h.logger.Info().Str("surface", string(id)).Str("placement", string(p)).Str("anchor", string(a)).Msg("placement")
	}
	return nil
}

func (h *LogHost) SetLabel(id core.SurfaceID, label string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(id)
	if err != nil {
		return err
	}
	v.Label = label
	return nil
}

func (h *LogHost) BindProducer(id core.SurfaceID, media core.RemoteMedia) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(id)
	if err != nil {
		return err
	}
	key := media.Producer().Key()
	if v.Producer != key {
		v.Producer = key
		h.logger.Info().Str("surface", string(id)).Str("producer", key).Msg("producer bound")
	}
	return nil
}

func (h *LogHost) RemoveSurface(id core.SurfaceID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.views[id]; ok {
		delete(h.views, id)
		h.logger.Info().Str("surface", string(id)).Msg("surface removed")
	}
	return nil
}

// Views returns the surfaces sorted by id.
func (h *LogHost) Views() []View {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]View, 0, len(h.views))
	for _, id := range slices.Sorted(maps.Keys(h.views)) {
		out = append(out, *h.views[id])
	}
	return out
}

// LogPlayer "plays" remote audio by logging it.
type LogPlayer struct {
	mu      sync.Mutex
	playing map[string]bool
}

func NewLogPlayer() *LogPlayer {
	return &LogPlayer{playing: make(map[string]bool)}
}

func (p *LogPlayer) Play(_ context.Context, media core.RemoteMedia) error {
	key := media.Producer().Key()
	p.mu.Lock()
	p.playing[key] = true
	p.mu.Unlock()
	log.Info().Str("module", "surface").Str("producer", key).Msg("audio playing")
	return nil
}

func (p *LogPlayer) Playing() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.playing))
}
