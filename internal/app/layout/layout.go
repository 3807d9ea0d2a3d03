// Package layout decides where every known surface goes.
//
// Compute is a pure function of its input: it never mutates the registry
// snapshot it is handed and yields identical output for identical input.
// The rule order encodes the composition policy: a screen share always owns
// the background, and at most two live human sources are composited at once.
package layout

import (
	"fmt"
	"slices"

	"github.com/dkeye/Stage/internal/app/tracks"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type Kind int

const (
	FullScreen Kind = iota
	SplitPair
	FloatingOverlay
	Hidden
	BackgroundFill
)

func (k Kind) String() string {
	switch k {
	case FullScreen:
		return "full_screen"
	case SplitPair:
		return "split_pair"
	case FloatingOverlay:
		return "floating_overlay"
	case Hidden:
		return "hidden"
	case BackgroundFill:
		return "background_fill"
	}
	return "unknown"
}

// SurfaceRef names the output surface of one producer.
type SurfaceRef struct {
	ID          core.SurfaceID
	Participant domain.ParticipantID
	Source      domain.ProducerKind
}

func CameraSurface(p domain.ParticipantID) SurfaceRef {
	return SurfaceRef{ID: core.SurfaceID(fmt.Sprintf("camera-%d", p)), Participant: p, Source: domain.Camera}
}

func ScreenSurface(p domain.ParticipantID) SurfaceRef {
	return SurfaceRef{ID: core.SurfaceID(fmt.Sprintf("screen-%d", p)), Participant: p, Source: domain.Screen}
}

// WireID returns the identifier the producer behind this surface publishes under.
func (s SurfaceRef) WireID() domain.ParticipantID {
	if s.Source == domain.Screen {
		return domain.ScreenID(s.Participant)
	}
	return s.Participant
}

// Decision is one placement. For SplitPair, Surface is the left side and
// Right the right side.
type Decision struct {
	Kind    Kind
	Surface SurfaceRef
	Right   SurfaceRef
	Anchor  core.Anchor
}

func (d Decision) String() string {
	if d.Kind == SplitPair {
		return fmt.Sprintf("%s(%s,%s)", d.Kind, d.Surface.ID, d.Right.ID)
	}
	if d.Anchor != core.AnchorNone {
		return fmt.Sprintf("%s(%s@%s)", d.Kind, d.Surface.ID, d.Anchor)
	}
	return fmt.Sprintf("%s(%s)", d.Kind, d.Surface.ID)
}

// Input is everything Compute looks at. Zero ids mean "none".
type Input struct {
	Tracks        map[domain.ParticipantID]tracks.State
	JoinOrder     []domain.ParticipantID
	Role          domain.Role
	Self          domain.ParticipantID
	ScreenOwner   domain.ParticipantID
	PreferredLeft domain.ParticipantID
}

// Compute returns the placement of every known surface.
func Compute(in Input) []Decision {
	cams := cameras(in.Tracks, in.JoinOrder)

	if in.ScreenOwner != 0 {
		return withScreen(in, cams)
	}
	if in.Role == domain.RolePresenter {
		return forPresenter(in, cams)
	}
	return forViewer(cams, in.PreferredLeft)
}

func withScreen(in Input, cams []domain.ParticipantID) []Decision {
	out := []Decision{{Kind: BackgroundFill, Surface: ScreenSurface(in.ScreenOwner)}}
	for _, p := range screens(in.Tracks) {
		if p != in.ScreenOwner {
			out = append(out, Decision{Kind: Hidden, Surface: ScreenSurface(p)})
		}
	}
	for _, p := range cams {
		switch {
		case p == in.ScreenOwner:
			out = append(out, Decision{Kind: FloatingOverlay, Surface: CameraSurface(p), Anchor: core.AnchorBottomRight})
		case p == in.Self:
			out = append(out, Decision{Kind: FloatingOverlay, Surface: CameraSurface(p), Anchor: core.AnchorBottomLeft})
		default:
			out = append(out, Decision{Kind: Hidden, Surface: CameraSurface(p)})
		}
	}
	return out
}

func forPresenter(in Input, cams []domain.ParticipantID) []Decision {
	others := make([]domain.ParticipantID, 0, len(cams))
	selfCam := false
	for _, p := range cams {
		if p == in.Self {
			selfCam = true
			continue
		}
		others = append(others, p)
	}

	var out []Decision
	if len(others) == 0 {
		if selfCam {
			out = append(out, Decision{Kind: FullScreen, Surface: CameraSurface(in.Self)})
		}
		return out
	}
	if selfCam {
		out = append(out, Decision{Kind: FloatingOverlay, Surface: CameraSurface(in.Self), Anchor: core.AnchorBottomRight})
	}
	if len(others) == 1 {
		return append(out, Decision{Kind: FullScreen, Surface: CameraSurface(others[0])})
	}
	return append(out, split(others, in.PreferredLeft)...)
}

func forViewer(cams []domain.ParticipantID, preferred domain.ParticipantID) []Decision {
	switch len(cams) {
	case 0:
		return nil
	case 1:
		return []Decision{{Kind: FullScreen, Surface: CameraSurface(cams[0])}}
	}
	return split(cams, preferred)
}

// split pairs two cameras side by side and hides the rest.
func split(cams []domain.ParticipantID, preferred domain.ParticipantID) []Decision {
	left := cams[0]
	if preferred != 0 && slices.Contains(cams, preferred) {
		left = preferred
	}
	var right domain.ParticipantID
	for _, p := range cams {
		if p != left {
			right = p
			break
		}
	}

	out := []Decision{{Kind: SplitPair, Surface: CameraSurface(left), Right: CameraSurface(right)}}
	for _, p := range cams {
		if p != left && p != right {
			out = append(out, Decision{Kind: Hidden, Surface: CameraSurface(p)})
		}
	}
	return out
}

// cameras lists camera publishers in join order; ids missing from the join
// order follow in ascending order.
func cameras(st map[domain.ParticipantID]tracks.State, joinOrder []domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(st))
	placed := make(map[domain.ParticipantID]bool, len(st))
	for _, p := range joinOrder {
		if s, ok := st[p]; ok && s.HasCamera && !placed[p] {
			out = append(out, p)
			placed[p] = true
		}
	}
	var rest []domain.ParticipantID
	for p, s := range st {
		if s.HasCamera && !placed[p] {
			rest = append(rest, p)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

func screens(st map[domain.ParticipantID]tracks.State) []domain.ParticipantID {
	var out []domain.ParticipantID
	for p, s := range st {
		if s.HasScreen {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// ScreenOwner picks the participant whose screen owns the background: the
// first screen publisher by join order, then the lowest id. Zero when nobody
// is sharing.
func ScreenOwner(st map[domain.ParticipantID]tracks.State, joinOrder []domain.ParticipantID) domain.ParticipantID {
	for _, p := range joinOrder {
		if st[p].HasScreen {
			return p
		}
	}
	if s := screens(st); len(s) > 0 {
		return s[0]
	}
	return 0
}
