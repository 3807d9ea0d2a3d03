package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type ScreenState int

const (
	ScreenIdle ScreenState = iota
	ScreenAcquiringCapture
	ScreenJoiningSecondary
	ScreenPublishing
	ScreenStopping
)

func (s ScreenState) String() string {
	switch s {
	case ScreenIdle:
		return "idle"
	case ScreenAcquiringCapture:
		return "acquiring_capture"
	case ScreenJoiningSecondary:
		return "joining_secondary"
	case ScreenPublishing:
		return "publishing"
	case ScreenStopping:
		return "stopping"
	}
	return "unknown"
}

// screenShare is the secondary client publishing under the derived identifier.
type screenShare struct {
	id        domain.ParticipantID
	transport core.Transport
	video     core.LocalTrack
	audio     core.LocalTrack
}

func (s *screenShare) tracks() []core.LocalTrack {
	if s.audio == nil {
		return []core.LocalTrack{s.video}
	}
	return []core.LocalTrack{s.video, s.audio}
}

func (o *Orchestrator) ScreenState() ScreenState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screenState
}

// StartScreenShare publishes the local screen under the derived identifier.
// It is refused before capture is requested when the stage is full, and
// while a previous attempt on the identifier is joining or quiescing.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StatePublishing {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: screen share while %s", ErrInvalidState, st)
	}
	if o.screenState != ScreenIdle {
		st := o.screenState
		o.mu.Unlock()
		return fmt.Errorf("%w: screen share is %s", ErrIdentifierBusy, st)
	}
	epoch := o.epoch
	o.mu.Unlock()

	records, err := o.deps.Presence.List(ctx, o.cfg.Session)
	if err != nil {
		return fmt.Errorf("admission check: %w", err)
	}
	if len(records) >= MaxLivePresenters {
		o.logger.Info().Int("live", len(records)).Msg("screen share rejected, stage full")
		return fmt.Errorf("%w: %d live presenters", ErrAdmissionRejected, len(records))
	}

	id := domain.ScreenID(o.cfg.Self)
	if err := o.deps.Guard.Acquire(id); err != nil {
		return err
	}

	o.mu.Lock()
	if o.epoch != epoch || o.screenState != ScreenIdle {
		o.mu.Unlock()
		o.deps.Guard.Abort(id)
		return fmt.Errorf("%w: session changed during admission", ErrInvalidState)
	}
	o.screenState = ScreenAcquiringCapture
	o.mu.Unlock()

	video, audio, err := o.deps.Capture.Screen(ctx)
	if err != nil {
		o.deps.Guard.Abort(id)
		o.setScreenIdle(epoch)
		return &CaptureError{Source: "screen", Err: err}
	}
	sh := &screenShare{id: id, video: video, audio: audio}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.deps.Guard.Abort(id)
		stopAll(sh.tracks())
		return fmt.Errorf("%w: session changed during capture", ErrInvalidState)
	}
	o.screenState = ScreenJoiningSecondary
	o.mu.Unlock()

	if err := o.joinSecondary(ctx, sh); err != nil {
		o.setScreenIdle(epoch)
		o.logger.Warn().Err(err).Msg("screen share failed")
		return err
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.background(func(ctx context.Context) { o.teardownScreen(ctx, sh) })
		return fmt.Errorf("%w: session changed during screen join", ErrInvalidState)
	}
	o.deps.Guard.Activate(id)
	o.screen = sh
	o.screenState = ScreenPublishing
	o.publishLocalLocked(id, video)
	o.relayoutLocked()
	o.mu.Unlock()

	o.logger.Info().Bool("audio", audio != nil).Msg("screen share started")
	return nil
}

// joinSecondary connects and publishes the screen share. On failure it
// unwinds everything it did and releases the identifier.
func (o *Orchestrator) joinSecondary(ctx context.Context, sh *screenShare) error {
	joined := false
	fail := func(op string, err error) error {
		if joined {
			if lerr := sh.transport.Leave(ctx); lerr != nil {
				o.logger.Warn().Err(lerr).Msg("leave secondary")
			}
		}
		stopAll(sh.tracks())
		if sh.transport == nil {
			o.deps.Guard.Abort(sh.id)
		} else {
			o.deps.Guard.Release(sh.id)
		}
		return &TransportError{Op: op, Identifier: sh.id, Err: err}
	}

	cred, err := o.deps.Tokens.IssueToken(ctx, o.cfg.Session, sh.id, domain.RolePresenter)
	if err != nil {
		return fail("token", err)
	}
	t := o.deps.Transports.NewTransport(sh.id)
	t.OnEvent(func(ev core.Event) { o.handleSecondaryEvent(t, ev) })
	sh.transport = t

	if err := t.Join(ctx, o.cfg.AppID, o.cfg.Session, cred.Token, sh.id); err != nil {
		return fail("join", err)
	}
	joined = true
	if err := t.SetRole(ctx, domain.RolePresenter); err != nil {
		return fail("role", err)
	}
	if err := t.Publish(ctx, sh.tracks()...); err != nil {
		return fail("publish", err)
	}
	return nil
}

// StopScreenShare unpublishes screen video, then screen audio, then leaves
// the secondary session. The derived identifier stays reserved for the
// quiescence delay afterwards.
func (o *Orchestrator) StopScreenShare(ctx context.Context) error {
	o.mu.Lock()
	if o.screenState != ScreenPublishing || o.screen == nil {
		st := o.screenState
		o.mu.Unlock()
		return fmt.Errorf("%w: stop screen share while %s", ErrInvalidState, st)
	}
	sh := o.screen
	o.screenState = ScreenStopping
	o.mu.Unlock()

	err := o.teardownScreen(ctx, sh)

	o.mu.Lock()
	if o.screen == sh {
		o.screen = nil
		o.screenState = ScreenIdle
		o.unpublishLocalLocked(sh.id)
		o.relayoutLocked()
	}
	o.mu.Unlock()

	o.logger.Info().Msg("screen share stopped")
	if err != nil {
		return &TransportError{Op: "stop", Identifier: sh.id, Err: err}
	}
	return nil
}

func (o *Orchestrator) teardownScreen(ctx context.Context, sh *screenShare) error {
	var errs []error
	if err := sh.transport.Unpublish(ctx, sh.video); err != nil {
		errs = append(errs, fmt.Errorf("unpublish screen video: %w", err))
	}
	if sh.audio != nil {
		if err := sh.transport.Unpublish(ctx, sh.audio); err != nil {
			errs = append(errs, fmt.Errorf("unpublish screen audio: %w", err))
		}
	}
	if err := sh.transport.Leave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave secondary: %w", err))
	}
	stopAll(sh.tracks())
	o.deps.Guard.Release(sh.id)

	err := errors.Join(errs...)
	if err != nil {
		o.logger.Warn().Err(err).Msg("screen teardown")
	}
	return err
}

// activeScreenLocked returns the screen share a teardown path has to clean
// up. A share that is already stopping is cleaned up by its own stop call.
func (o *Orchestrator) activeScreenLocked() *screenShare {
	if o.screenState != ScreenPublishing {
		return nil
	}
	return o.screen
}

func (o *Orchestrator) stopScreenIfActive(ctx context.Context) error {
	if o.ScreenState() != ScreenPublishing {
		return nil
	}
	return o.StopScreenShare(ctx)
}

// handleSecondaryEvent only watches the secondary connection. Remote
// producers are learned through the primary client.
func (o *Orchestrator) handleSecondaryEvent(t core.Transport, ev core.Event) {
	if ev.Type != core.EventConnectionStateChanged {
		return
	}
	if ev.State != core.ConnDisconnected && ev.State != core.ConnFailed {
		return
	}

	o.mu.Lock()
	sh := o.screen
	if sh == nil || sh.transport != t || o.screenState != ScreenPublishing {
		o.mu.Unlock()
		return
	}
	o.screen = nil
	o.screenState = ScreenIdle
	o.unpublishLocalLocked(sh.id)
	o.relayoutLocked()
	o.mu.Unlock()

	o.logger.Warn().Msg("screen share connection lost")
	stopAll(sh.tracks())
	o.deps.Guard.Release(sh.id)
}

func (o *Orchestrator) setScreenIdle(epoch uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch == epoch {
		o.screenState = ScreenIdle
	}
}

func stopAll(ts []core.LocalTrack) {
	for _, t := range ts {
		t.Stop()
	}
}
