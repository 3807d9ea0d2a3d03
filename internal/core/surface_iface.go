package core

import "errors"

// ErrSurfaceNotReady is returned by a SurfaceHost when the mount point of a
// surface has not been materialized yet.
var ErrSurfaceNotReady = errors.New("surface mount point not ready")

type SurfaceID string

type Placement string

const (
	PlacementFullScreen Placement = "full_screen"
	PlacementSplitLeft  Placement = "split_left"
	PlacementSplitRight Placement = "split_right"
	PlacementFloating   Placement = "floating"
	PlacementBackground Placement = "background"
	PlacementHidden     Placement = "hidden"
)

type Anchor string

const (
	AnchorNone        Anchor = ""
	AnchorBottomRight Anchor = "bottom-right"
	AnchorBottomLeft  Anchor = "bottom-left"
)

// SurfaceHost is the output layer: a UI toolkit or a headless stub.
type SurfaceHost interface {
	CreateSurface(id SurfaceID) error
	SetPlacement(id SurfaceID, p Placement, a Anchor) error
	SetLabel(id SurfaceID, label string) error
	BindProducer(id SurfaceID, media RemoteMedia) error
	RemoveSurface(id SurfaceID) error
}
