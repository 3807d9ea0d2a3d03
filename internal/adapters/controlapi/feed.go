package controlapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// PushFeed is a core.PresenceFeed over the server's presence websocket.
// A dropped connection is redialed with capped exponential backoff; the
// server sends a full snapshot on every connect.
type PushFeed struct {
	base   string
	dialer *websocket.Dialer

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewPushFeed(base string) *PushFeed {
	return &PushFeed{
		base:       strings.TrimSuffix(base, "/"),
		dialer:     websocket.DefaultDialer,
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
	}
}

func (f *PushFeed) url(session domain.SessionID) (string, error) {
	u, err := url.Parse(f.base + presencePath(session) + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// Watch delivers snapshots until ctx is done, reconnecting as needed. It
// only returns ctx.Err() or an error for an unusable server url.
func (f *PushFeed) Watch(ctx context.Context, session domain.SessionID, fn func(core.PresenceSnapshot)) error {
	target, err := f.url(session)
	if err != nil {
		return err
	}
	logger := log.With().Str("module", "presence").Str("session", string(session)).Logger()

	backoff := f.MinBackoff
	for {
		delivered, err := f.stream(ctx, target, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			backoff = f.MinBackoff
		}
		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("presence feed lost")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, f.MaxBackoff)
	}
}

// stream runs one connection and reports whether any snapshot arrived.
func (f *PushFeed) stream(ctx context.Context, target string, fn func(core.PresenceSnapshot)) (bool, error) {
	ws, _, err := f.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("presence feed: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	delivered := false
	for {
		var snap core.PresenceSnapshot
		if err := ws.ReadJSON(&snap); err != nil {
			return delivered, fmt.Errorf("presence feed: %w", err)
		}
		delivered = true
		fn(snap)
	}
}
