package autoplay

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type media struct{ p core.Producer }

func (m media) Producer() core.Producer { return m.p }

type fakePlayer struct {
	played []string
	fail   map[string]bool
}

func (f *fakePlayer) Play(_ context.Context, m core.RemoteMedia) error {
	key := m.Producer().Key()
	if f.fail[key] {
		return errors.New("still blocked")
	}
	f.played = append(f.played, key)
	return nil
}

func subscribed() []core.RemoteMedia {
	return []core.RemoteMedia{
		media{core.Producer{WireID: 1, Media: domain.MediaAudio}},
		media{core.Producer{WireID: 1, Media: domain.MediaVideo}},
		media{core.Producer{WireID: 2, Media: domain.MediaAudio}},
		media{core.Producer{WireID: domain.ScreenID(1), Media: domain.MediaAudio}},
		media{core.Producer{WireID: domain.ScreenID(2), Media: domain.MediaAudio}},
	}
}

func TestRecovery_Recover_skipsOwnAudio(t *testing.T) {
	player := &fakePlayer{}
	r := New(player, subscribed, 1)
	r.Block()

	if err := r.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	want := []string{"2/audio", "1002/audio"}
	if len(player.played) != len(want) || player.played[0] != want[0] || player.played[1] != want[1] {
		t.Errorf("played %v, want %v", player.played, want)
	}
	if r.Pending() {
		t.Error("affordance should be removed after success")
	}
}

func TestRecovery_Recover_viewerPlaysEverything(t *testing.T) {
	player := &fakePlayer{}
	r := New(player, subscribed, 0)
	r.Block()
	_ = r.Recover(context.Background())
	if len(player.played) != 4 {
		t.Errorf("viewer should replay all audio, played %v", player.played)
	}
}

func TestRecovery_Recover_idempotent(t *testing.T) {
	player := &fakePlayer{}
	r := New(player, subscribed, 1)
	r.Block()
	_ = r.Recover(context.Background())
	_ = r.Recover(context.Background())
	if len(player.played) != 2 {
		t.Errorf("second Recover should be a no-op, played %v", player.played)
	}
}

func TestRecovery_Recover_failureKeepsAffordance(t *testing.T) {
	player := &fakePlayer{fail: map[string]bool{"2/audio": true}}
	r := New(player, subscribed, 1)
	r.Block()
	if err := r.Recover(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if !r.Pending() {
		t.Error("affordance should stay while playback is still blocked")
	}
}

func TestRecovery_OnChange(t *testing.T) {
	var seen []bool
	r := New(&fakePlayer{}, subscribed, 1)
	r.OnChange(func(p bool) { seen = append(seen, p) })

	r.Block()
	r.Block()
	_ = r.Recover(context.Background())

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("OnChange sequence = %v, want [true false]", seen)
	}
}
