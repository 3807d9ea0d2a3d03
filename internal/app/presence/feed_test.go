package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type listStore struct {
	mu      sync.Mutex
	records []domain.PresenceRecord
	err     error
	lists   int
}

func (s *listStore) Put(context.Context, domain.SessionID, domain.ParticipantID, domain.PresenceInfo) error {
	return nil
}
func (s *listStore) Delete(context.Context, domain.SessionID, domain.ParticipantID) error {
	return nil
}

func (s *listStore) List(context.Context, domain.SessionID) ([]domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.PresenceRecord(nil), s.records...), nil
}

func TestPollingFeed_EmitsImmediatelyAndOnTick(t *testing.T) {
	st := &listStore{records: []domain.PresenceRecord{{SessionID: "s", ParticipantID: 1, DisplayName: "Ann"}}}
	feed := NewPollingFeed(st, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan core.PresenceSnapshot, 16)
	done := make(chan error, 1)
	go func() {
		done <- feed.Watch(ctx, "s", func(s core.PresenceSnapshot) {
			select {
			case got <- s:
			default:
			}
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			if s.Count != 1 || s.Records[0].DisplayName != "Ann" {
				t.Fatalf("snapshot = %+v", s)
			}
		case <-time.After(time.Second):
			t.Fatal("no snapshot")
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Watch returned %v, want context.Canceled", err)
	}
}

func TestPollingFeed_SkipsFailedPolls(t *testing.T) {
	st := &listStore{err: errors.New("down")}
	feed := NewPollingFeed(st, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	calls := 0
	_ = feed.Watch(ctx, "s", func(core.PresenceSnapshot) { calls++ })

	if calls != 0 {
		t.Fatalf("callback ran %d times on failing store", calls)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lists < 2 {
		t.Fatalf("store polled %d times, want repeated polls", st.lists)
	}
}

func TestDirectory_KeepsNamesAfterLeave(t *testing.T) {
	d := NewDirectory()
	d.Update(core.PresenceSnapshot{Count: 1, Records: []domain.PresenceRecord{{ParticipantID: 3, DisplayName: "Bo"}}})
	d.Update(core.PresenceSnapshot{Count: 0})

	if d.Name(3) != "Bo" {
		t.Fatalf("Name(3) = %q", d.Name(3))
	}
	if d.Count() != 0 {
		t.Fatalf("Count = %d", d.Count())
	}
	if d.Name(4) != "" {
		t.Fatal("unknown id should have empty name")
	}
}
