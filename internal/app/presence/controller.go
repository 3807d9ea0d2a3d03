// Package presence observes which presenters are live and ends a broadcast
// when the last one leaves.
package presence

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CrowdedThreshold is the live-presenter count from which the composited
// source cap has to be enforced.
const CrowdedThreshold = 2

// CameraPolicy turns off a local floating camera while screen-sharing when
// the stage is crowded.
type CameraPolicy interface {
	EnforceSourceCap(ctx context.Context)
}

// Controller is level-triggered: every observation re-evaluates the rule, so
// a missed notification is healed by the next one.
type Controller struct {
	session   domain.SessionID
	lifecycle core.BroadcastLifecycle
	policy    CameraPolicy
	logger    zerolog.Logger

	mu       sync.Mutex
	active   bool
	armed    bool
	inFlight bool
	onEnded  func()
}

// NewController returns a controller for a broadcast that is already active.
// policy may be nil to disable the crowding policy.
func NewController(session domain.SessionID, lifecycle core.BroadcastLifecycle, policy CameraPolicy) *Controller {
	return &Controller{
		session:   session,
		lifecycle: lifecycle,
		policy:    policy,
		active:    true,
		logger:    log.With().Str("module", "presence").Str("session", string(session)).Logger(),
	}
}

// OnEnded sets a callback invoked once the broadcast was ended by this controller.
func (c *Controller) OnEnded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnded = fn
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MarkEnded records that the broadcast ended by other means.
func (c *Controller) MarkEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.armed = false
}

// Observe evaluates one presence count. The broadcast is ended when the count
// is zero after at least one presenter had been live.
func (c *Controller) Observe(ctx context.Context, count int) {
	c.mu.Lock()
	if count > 0 {
		c.armed = true
	}
	end := count == 0 && c.active && c.armed && !c.inFlight
	if end {
		c.inFlight = true
	}
	c.mu.Unlock()

	if count >= CrowdedThreshold && c.policy != nil {
		c.policy.EnforceSourceCap(ctx)
	}
	if !end {
		return
	}

	c.logger.Info().Msg("last presenter left, ending broadcast")
	err := c.lifecycle.EndBroadcast(ctx, c.session)

	c.mu.Lock()
	c.inFlight = false
	var fn func()
	if err == nil {
		c.active = false
		c.armed = false
		fn = c.onEnded
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("end broadcast failed, will retry on next observation")
		return
	}
	c.logger.Info().Msg("broadcast ended")
	if fn != nil {
		fn()
	}
}

// Run feeds every snapshot of feed into Observe and into extra observers
// until ctx is done.
func (c *Controller) Run(ctx context.Context, feed core.PresenceFeed, extra ...func(core.PresenceSnapshot)) error {
	return feed.Watch(ctx, c.session, func(s core.PresenceSnapshot) {
		for _, fn := range extra {
			fn(s)
		}
		c.Observe(ctx, s.Count)
	})
}
