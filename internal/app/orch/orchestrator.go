// Package orch drives one participant's view of a live session: it feeds
// transport events into the track registry, recomputes the layout and binds
// it, and runs the presenter and screen-share state machines.
package orch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/app/autoplay"
	"github.com/dkeye/Stage/internal/app/layout"
	"github.com/dkeye/Stage/internal/app/presence"
	"github.com/dkeye/Stage/internal/app/render"
	"github.com/dkeye/Stage/internal/app/tracks"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxLivePresenters is the presence count at which a new screen share is refused.
const MaxLivePresenters = 2

const cleanupTimeout = 5 * time.Second

// DefaultSubscribeTimeout bounds one remote subscription. A producer that
// never sends media would otherwise hold its subscription open forever.
const DefaultSubscribeTimeout = 15 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StatePublishing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StatePublishing:
		return "publishing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Config struct {
	AppID   string
	Session domain.SessionID
	// Self is the base identifier for a presenter, or any identifier unique
	// within the session for a viewer.
	Self          domain.ParticipantID
	DisplayName   string
	Role          domain.Role
	PreferredLeft domain.ParticipantID
	Render        render.Options
	// SubscribeTimeout defaults to DefaultSubscribeTimeout.
	SubscribeTimeout time.Duration
}

// Deps are the collaborators of an Orchestrator. Capture and Presence are
// required for presenters only; Broadcasts only for EndBroadcast.
type Deps struct {
	Transports core.TransportFactory
	Tokens     core.TokenIssuer
	Presence   core.PresenceStore
	Broadcasts core.BroadcastLifecycle
	Capture    core.CaptureDevice
	Surfaces   core.SurfaceHost
	Audio      core.AudioPlayer
	Guard      *IdentifierGuard
	Directory  *presence.Directory
}

type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	binder    *render.Binder
	recovery  *autoplay.Recovery
	directory *presence.Directory
	media     *mediaTable

	mu        sync.Mutex
	state     State
	role      domain.Role
	epoch     uint64
	primary   core.Transport
	camera    core.LocalTrack
	mic       core.LocalTrack
	registry  *tracks.Registry
	live      map[string]core.Producer
	decisions []layout.Decision

	screenState ScreenState
	screen      *screenShare
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("orch: unknown role %q", cfg.Role)
	}
	if deps.Transports == nil || deps.Tokens == nil || deps.Surfaces == nil {
		return nil, errors.New("orch: transports, tokens and surfaces are required")
	}
	if cfg.Role == domain.RolePresenter {
		if _, err := domain.NewPresenter(cfg.Self, cfg.DisplayName); err != nil {
			return nil, fmt.Errorf("orch: %w", err)
		}
		if deps.Capture == nil || deps.Presence == nil {
			return nil, errors.New("orch: presenters need capture and presence")
		}
	} else if cfg.Self <= 0 {
		return nil, fmt.Errorf("orch: %w", domain.ErrInvalidParticipant)
	}
	if deps.Guard == nil {
		deps.Guard = NewIdentifierGuard(DefaultQuiescence, nil)
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if deps.Directory == nil {
		deps.Directory = presence.NewDirectory()
	}
	if deps.Audio == nil {
		deps.Audio = mutedPlayer{}
	}
	if cfg.DisplayName != "" {
		deps.Directory.Set(cfg.Self, cfg.DisplayName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		logger:    log.With().Str("module", "orch").Int64("self", int64(cfg.Self)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		directory: deps.Directory,
		media:     newMediaTable(),
		role:      cfg.Role,
		registry:  tracks.NewRegistry(),
		live:      make(map[string]core.Producer),
	}
	o.binder = render.NewBinder(deps.Surfaces, deps.Directory.Name, o.media.lookup, cfg.Render)
	var own domain.ParticipantID
	if cfg.Role == domain.RolePresenter {
		own = cfg.Self
	}
	o.recovery = autoplay.New(deps.Audio, o.media.audio, own)
	return o, nil
}

// Join connects the primary identity. A presenter then captures and
// publishes camera and microphone and announces its presence. On error the
// orchestrator is left as if Join was never called.
func (o *Orchestrator) Join(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateDisconnected {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: join while %s", ErrInvalidState, st)
	}
	o.state = StateJoining
	o.epoch++
	role := o.role
	t := o.deps.Transports.NewTransport(o.cfg.Self)
	t.OnEvent(o.HandleEvent)
	o.primary = t
	o.mu.Unlock()

	if err := o.joinPrimary(ctx, t, role); err != nil {
		o.mu.Lock()
		if o.primary == t {
			o.resetLocked(StateDisconnected)
		}
		o.mu.Unlock()
		o.logger.Warn().Err(err).Msg("join failed")
		return err
	}

	if role != domain.RolePresenter {
		o.mu.Lock()
		if o.state == StateJoining {
			o.state = StateJoined
		}
		o.mu.Unlock()
		o.logger.Info().Str("session", string(o.cfg.Session)).Msg("joined as viewer")
		return nil
	}
	return o.publishPrimary(ctx, t)
}

func (o *Orchestrator) joinPrimary(ctx context.Context, t core.Transport, role domain.Role) error {
	id := o.cfg.Self
	cred, err := o.deps.Tokens.IssueToken(ctx, o.cfg.Session, id, role)
	if err != nil {
		return &TransportError{Op: "token", Identifier: id, Err: err}
	}
	if err := t.Join(ctx, o.cfg.AppID, o.cfg.Session, cred.Token, id); err != nil {
		return &TransportError{Op: "join", Identifier: id, Err: err}
	}
	if err := t.SetRole(ctx, role); err != nil {
		o.leave(t)
		return &TransportError{Op: "role", Identifier: id, Err: err}
	}
	return nil
}

func (o *Orchestrator) publishPrimary(ctx context.Context, t core.Transport) error {
	id := o.cfg.Self
	fail := func(err error, stop ...core.LocalTrack) error {
		for _, tr := range stop {
			tr.Stop()
		}
		o.leave(t)
		o.mu.Lock()
		if o.primary == t {
			o.resetLocked(StateDisconnected)
		}
		o.mu.Unlock()
		o.logger.Warn().Err(err).Msg("publish failed")
		return err
	}

	cam, err := o.deps.Capture.Camera(ctx)
	if err != nil {
		return fail(&CaptureError{Source: "camera", Err: err})
	}
	mic, err := o.deps.Capture.Microphone(ctx)
	if err != nil {
		return fail(&CaptureError{Source: "microphone", Err: err}, cam)
	}
	if err := t.Publish(ctx, cam, mic); err != nil {
		return fail(&TransportError{Op: "publish", Identifier: id, Err: err}, cam, mic)
	}

	o.mu.Lock()
	if o.state != StateJoining || o.primary != t {
		o.mu.Unlock()
		cam.Stop()
		mic.Stop()
		return fmt.Errorf("%w: session changed while publishing", ErrInvalidState)
	}
	o.camera, o.mic = cam, mic
	o.state = StatePublishing
	o.publishLocalLocked(id, cam)
	o.relayoutLocked()
	o.mu.Unlock()

	if err := o.deps.Presence.Put(ctx, o.cfg.Session, id, domain.PresenceInfo{DisplayName: o.cfg.DisplayName}); err != nil {
		o.logger.Error().Err(err).Msg("write presence record")
	}
	o.logger.Info().Str("session", string(o.cfg.Session)).Msg("publishing camera and microphone")
	return nil
}

// publishLocalLocked records a local video producer so the self view is laid
// out without waiting for the transport echo.
func (o *Orchestrator) publishLocalLocked(wireID domain.ParticipantID, track core.LocalTrack) {
	p := core.Producer{WireID: wireID, Media: domain.MediaVideo}
	o.live[p.Key()] = p
	o.media.put(p.Key(), LocalMedia{producer: p, Track: track})
	o.registry.Publish(wireID, domain.MediaVideo)
}

func (o *Orchestrator) unpublishLocalLocked(wireID domain.ParticipantID) {
	p := core.Producer{WireID: wireID, Media: domain.MediaVideo}
	delete(o.live, p.Key())
	o.media.take(p.Key())
	o.registry.Unpublish(wireID, domain.MediaVideo)
}

// SetCameraEnabled mutes or unmutes the published camera.
func (o *Orchestrator) SetCameraEnabled(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePublishing || o.camera == nil {
		return fmt.Errorf("%w: camera toggle while %s", ErrInvalidState, o.state)
	}
	o.camera.SetEnabled(on)
	return nil
}

// SetMicrophoneEnabled mutes or unmutes the published microphone.
func (o *Orchestrator) SetMicrophoneEnabled(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePublishing || o.mic == nil {
		return fmt.Errorf("%w: microphone toggle while %s", ErrInvalidState, o.state)
	}
	o.mic.SetEnabled(on)
	return nil
}

// EnforceSourceCap turns the camera off while this presenter shares a
// screen, keeping the composited sources within the layout cap.
func (o *Orchestrator) EnforceSourceCap(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.screenState != ScreenPublishing || o.camera == nil || !o.camera.Enabled() {
		return
	}
	o.camera.SetEnabled(false)
	o.logger.Info().Msg("stage crowded, camera disabled while sharing screen")
}

// BecomeViewer stops presenting and keeps receiving as audience.
func (o *Orchestrator) BecomeViewer(ctx context.Context) error {
	if err := o.stopScreenIfActive(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("stop screen share")
	}

	o.mu.Lock()
	if o.state != StatePublishing {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: become viewer while %s", ErrInvalidState, st)
	}
	t := o.primary
	cam, mic := o.camera, o.mic
	o.camera, o.mic = nil, nil
	o.role = domain.RoleViewer
	o.state = StateJoined
	o.unpublishLocalLocked(o.cfg.Self)
	o.relayoutLocked()
	o.mu.Unlock()

	o.deletePresence()

	var errs []error
	if err := t.Unpublish(ctx, cam, mic); err != nil {
		errs = append(errs, err)
	}
	cam.Stop()
	mic.Stop()
	if err := t.SetRole(ctx, domain.RoleViewer); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return &TransportError{Op: "become_viewer", Identifier: o.cfg.Self, Err: err}
	}
	o.logger.Info().Msg("now viewing")
	return nil
}

// EndBroadcast ends the broadcast for everyone and closes this client.
func (o *Orchestrator) EndBroadcast(ctx context.Context) error {
	if o.deps.Broadcasts == nil {
		return fmt.Errorf("%w: no broadcast lifecycle configured", ErrInvalidState)
	}
	o.mu.Lock()
	presenting := o.state == StatePublishing
	o.mu.Unlock()
	if !presenting {
		return fmt.Errorf("%w: only a publishing presenter can end the broadcast", ErrInvalidState)
	}

	if err := o.stopScreenIfActive(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("stop screen share")
	}
	o.deletePresence()
	if err := o.deps.Broadcasts.EndBroadcast(ctx, o.cfg.Session); err != nil {
		return fmt.Errorf("end broadcast: %w", err)
	}
	o.Close()
	return nil
}

// Close tears everything down. Cleanup failures are logged, never returned.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	presenting := o.state == StatePublishing
	t := o.primary
	sh := o.activeScreenLocked()
	o.resetLocked(StateClosed)
	o.mu.Unlock()

	if sh != nil {
		o.background(func(ctx context.Context) { o.teardownScreen(ctx, sh) })
	}
	if presenting {
		o.deletePresence()
	}
	if t != nil {
		o.leave(t)
	}
	o.cancel()
	o.logger.Info().Msg("closed")
}

// resetLocked drops the session state and stops local capture. The screen
// share, if any, is detached but not torn down.
func (o *Orchestrator) resetLocked(next State) {
	o.epoch++
	o.state = next
	o.primary = nil
	for _, tr := range []core.LocalTrack{o.camera, o.mic} {
		if tr != nil {
			tr.Stop()
		}
	}
	o.camera, o.mic = nil, nil
	o.screen = nil
	o.screenState = ScreenIdle
	o.registry = tracks.NewRegistry()
	o.live = make(map[string]core.Producer)
	o.media.reset()
	o.decisions = nil
	o.binder.Clear()
}

func (o *Orchestrator) relayoutLocked() {
	snap := o.registry.Snapshot()
	order := o.registry.JoinOrder()
	in := layout.Input{
		Tracks:        snap,
		JoinOrder:     order,
		Role:          o.role,
		ScreenOwner:   layout.ScreenOwner(snap, order),
		PreferredLeft: o.cfg.PreferredLeft,
	}
	if o.role == domain.RolePresenter {
		in.Self = o.cfg.Self
	}
	o.decisions = layout.Compute(in)
	o.binder.Apply(o.ctx, o.decisions)
	o.logger.Debug().Int("decisions", len(o.decisions)).Msg("layout applied")
}

// ObservePresence updates display names from a presence snapshot and
// relabels surfaces.
func (o *Orchestrator) ObservePresence(s core.PresenceSnapshot) {
	o.directory.Update(s)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateJoined || o.state == StatePublishing {
		o.relayoutLocked()
	}
}

func (o *Orchestrator) deletePresence() {
	o.background(func(ctx context.Context) {
		if err := o.deps.Presence.Delete(ctx, o.cfg.Session, o.cfg.Self); err != nil {
			o.logger.Error().Err(err).Msg("delete presence record")
		}
	})
}

func (o *Orchestrator) leave(t core.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := t.Leave(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("leave primary")
	}
}

// background runs best-effort cleanup detached from the caller.
func (o *Orchestrator) background(fn func(ctx context.Context)) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background cleanup and render retries have finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
	o.binder.Wait()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Role() domain.Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

// Tracks returns a copy of the current registry state.
func (o *Orchestrator) Tracks() map[domain.ParticipantID]tracks.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.Snapshot()
}

// Decisions returns the last applied layout.
func (o *Orchestrator) Decisions() []layout.Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.decisions)
}

func (o *Orchestrator) Autoplay() *autoplay.Recovery { return o.recovery }

func (o *Orchestrator) Directory() *presence.Directory { return o.directory }
