package presence

import (
	"context"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 3 * time.Second

// PollingFeed turns a PresenceStore into a PresenceFeed by periodic pull.
type PollingFeed struct {
	store    core.PresenceStore
	interval time.Duration
}

func NewPollingFeed(store core.PresenceStore, interval time.Duration) *PollingFeed {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingFeed{store: store, interval: interval}
}

// Watch polls immediately and then on every tick. List failures are logged
// and skipped; the next tick tries again.
func (f *PollingFeed) Watch(ctx context.Context, session domain.SessionID, fn func(core.PresenceSnapshot)) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		records, err := f.store.List(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("module", "presence").Str("session", string(session)).Msg("poll presence")
		} else {
			fn(core.PresenceSnapshot{Count: len(records), Records: records})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
