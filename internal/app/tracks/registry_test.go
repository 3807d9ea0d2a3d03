package tracks

import (
	"math/rand"
	"testing"

	"github.com/dkeye/Stage/internal/domain"
)

func TestRegistry_Publish_camera(t *testing.T) {
	r := NewRegistry()
	ch := r.Publish(5, domain.MediaVideo)
	if !ch.Changed || ch.Base != 5 || ch.Kind != domain.Camera {
		t.Fatalf("unexpected change %+v", ch)
	}
	st, ok := r.Get(5)
	if !ok || !st.HasCamera || st.HasScreen {
		t.Errorf("Get(5) = %+v, %v", st, ok)
	}
	if got := r.JoinOrder(); len(got) != 1 || got[0] != 5 {
		t.Errorf("JoinOrder = %v", got)
	}
}

func TestRegistry_Publish_idempotent(t *testing.T) {
	r := NewRegistry()
	r.Publish(5, domain.MediaVideo)
	if ch := r.Publish(5, domain.MediaVideo); ch.Changed {
		t.Error("second publish of the same camera should not report a change")
	}
	if got := r.JoinOrder(); len(got) != 1 {
		t.Errorf("JoinOrder should not grow on re-publish: %v", got)
	}
}

func TestRegistry_Publish_audioDoesNotCreateEntry(t *testing.T) {
	r := NewRegistry()
	r.Publish(5, domain.MediaAudio)
	if r.Len() != 0 {
		t.Errorf("audio producer should not create an entry, len=%d", r.Len())
	}
}

func TestRegistry_screenBeforeCamera(t *testing.T) {
	r := NewRegistry()
	ch := r.Publish(domain.ScreenID(5), domain.MediaVideo)
	if ch.Base != 5 || ch.Kind != domain.Screen {
		t.Fatalf("screen before camera resolved as %+v", ch)
	}
	st, _ := r.Get(5)
	if !st.HasScreen || st.HasCamera {
		t.Errorf("placeholder entry = %+v", st)
	}
	if len(r.JoinOrder()) != 0 {
		t.Error("a screen publish must not append to JoinOrder")
	}

	r.Publish(5, domain.MediaVideo)
	st, _ = r.Get(5)
	if !st.HasScreen || !st.HasCamera {
		t.Errorf("both flags should be set after camera arrives: %+v", st)
	}
}

func TestRegistry_Unpublish_removesEmptyEntry(t *testing.T) {
	r := NewRegistry()
	r.Publish(5, domain.MediaVideo)
	r.Publish(domain.ScreenID(5), domain.MediaVideo)

	r.Unpublish(5, domain.MediaVideo)
	if st, ok := r.Get(5); !ok || st.HasCamera || !st.HasScreen {
		t.Errorf("after camera unpublish: %+v %v", st, ok)
	}
	r.Unpublish(domain.ScreenID(5), domain.MediaVideo)
	if _, ok := r.Get(5); ok {
		t.Error("entry should be removed once both flags are false")
	}
	if got := r.JoinOrder(); len(got) != 1 || got[0] != 5 {
		t.Errorf("JoinOrder keeps departed ids: %v", got)
	}
}

func TestRegistry_unknownIDsAreNoops(t *testing.T) {
	r := NewRegistry()
	if ch := r.Unpublish(9, domain.MediaVideo); ch.Changed {
		t.Error("unpublish of unknown id should be a no-op")
	}
	if ch := r.Leave(domain.ScreenID(9)); ch.Changed {
		t.Error("leave of unknown id should be a no-op")
	}
	if r.Len() != 0 {
		t.Errorf("registry should stay empty, len=%d", r.Len())
	}
}

func TestRegistry_Leave_clearsOnlyOwnIdentity(t *testing.T) {
	r := NewRegistry()
	r.Publish(5, domain.MediaVideo)
	r.Publish(domain.ScreenID(5), domain.MediaVideo)

	r.Leave(5)
	st, ok := r.Get(5)
	if !ok || st.HasCamera || !st.HasScreen {
		t.Errorf("base leave should keep the screen: %+v %v", st, ok)
	}
	r.Leave(domain.ScreenID(5))
	if _, ok := r.Get(5); ok {
		t.Error("entry should be gone after both identities left")
	}
}

func TestRegistry_Snapshot_isCopy(t *testing.T) {
	r := NewRegistry()
	r.Publish(5, domain.MediaVideo)
	snap := r.Snapshot()
	delete(snap, 5)
	if _, ok := r.Get(5); !ok {
		t.Error("mutating a snapshot must not affect the registry")
	}
}

// Entries exist iff at least one flag is set, for arbitrary event sequences.
func TestRegistry_invariant_randomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ids := []domain.ParticipantID{1, 2, 3, domain.ScreenID(1), domain.ScreenID(2), domain.ScreenID(3)}
	medias := []domain.MediaKind{domain.MediaVideo, domain.MediaAudio}

	for run := 0; run < 200; run++ {
		r := NewRegistry()
		for step := 0; step < 40; step++ {
			id := ids[rng.Intn(len(ids))]
			media := medias[rng.Intn(len(medias))]
			switch rng.Intn(3) {
			case 0:
				r.Publish(id, media)
			case 1:
				r.Unpublish(id, media)
			case 2:
				r.Leave(id)
			}
			for base, st := range r.Snapshot() {
				if !st.HasCamera && !st.HasScreen {
					t.Fatalf("run %d step %d: empty entry for %d", run, step, base)
				}
			}
		}
	}
}
