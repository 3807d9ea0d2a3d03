package orch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/app/layout"
	"github.com/dkeye/Stage/internal/app/render"
	"github.com/dkeye/Stage/internal/app/tracks"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type harness struct {
	log       *journal
	factory   *fakeFactory
	store     *fakeStore
	capture   *fakeCapture
	clock     *fakeClock
	guard     *IdentifierGuard
	player    *fakePlayer
	lifecycle *fakeLifecycle
	o         *Orchestrator
}

func newHarness(t *testing.T, role domain.Role, self domain.ParticipantID, live ...domain.ParticipantID) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		log:       j,
		factory:   newFactory(j),
		store:     newStore(live...),
		capture:   &fakeCapture{log: j},
		clock:     newClock(),
		player:    &fakePlayer{},
		lifecycle: &fakeLifecycle{},
	}
	h.guard = NewIdentifierGuard(DefaultQuiescence, h.clock.Now)
	o, err := New(Config{
		AppID:         "stage",
		Session:       "lesson-1",
		Self:          self,
		DisplayName:   "Ada",
		Role:          role,
		PreferredLeft: 0,
		Render:        renderOptions(),
	}, Deps{
		Transports: h.factory,
		Tokens:     fakeTokens{},
		Presence:   h.store,
		Broadcasts: h.lifecycle,
		Capture:    h.capture,
		Surfaces:   nopHost{},
		Audio:      h.player,
		Guard:      h.guard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	t.Cleanup(func() {
		o.Close()
		o.Wait()
	})
	return h
}

func (h *harness) primary(t *testing.T) *fakeTransport {
	t.Helper()
	tr := h.factory.get(h.o.cfg.Self)
	if tr == nil {
		t.Fatal("no primary transport")
	}
	return tr
}

func published(id domain.ParticipantID, media domain.MediaKind) core.Event {
	return core.Event{Type: core.EventProducerPublished, Producer: core.Producer{WireID: id, Media: media}}
}

func unpublished(id domain.ParticipantID, media domain.MediaKind) core.Event {
	return core.Event{Type: core.EventProducerUnpublished, Producer: core.Producer{WireID: id, Media: media}}
}

func decisionStrings(ds []layout.Decision) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func assertDecisions(t *testing.T, o *Orchestrator, want ...string) {
	t.Helper()
	got := decisionStrings(o.Decisions())
	if !slices.Equal(got, want) {
		t.Fatalf("decisions = %v, want %v", got, want)
	}
}

func assertInOrder(t *testing.T, lines []string, want ...string) {
	t.Helper()
	i := 0
	for _, l := range lines {
		if i < len(want) && l == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("calls %v do not contain %v in order", lines, want)
	}
}

func TestJoin_PresenterPublishesAndGoesFullScreen(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)

	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if st := h.o.State(); st != StatePublishing {
		t.Fatalf("state = %s, want publishing", st)
	}
	want := map[domain.ParticipantID]tracks.State{1: {HasCamera: true}}
	if got := h.o.Tracks(); len(got) != 1 || got[1] != want[1] {
		t.Fatalf("tracks = %v, want %v", got, want)
	}
	assertDecisions(t, h.o, "full_screen(camera-1)")
	assertInOrder(t, h.log.all(), "join 1", "role 1 presenter", "publish 1 camera", "publish 1 mic")
	if !h.store.has(1) {
		t.Fatal("presence record not written")
	}
}

func TestJoin_TransportFailureLeavesNoState(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	h.factory.configure = func(tr *fakeTransport) { tr.joinErr = errors.New("bad credential") }

	err := h.o.Join(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "join" {
		t.Fatalf("Join error = %v, want join TransportError", err)
	}
	if st := h.o.State(); st != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", st)
	}
	if len(h.capture.tracks()) != 0 {
		t.Fatal("capture requested after failed join")
	}
	if h.store.has(1) || len(h.o.Tracks()) != 0 {
		t.Fatal("failed join left state behind")
	}

	h.factory.configure = nil
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("retry Join: %v", err)
	}
}

func TestJoin_PublishFailureUnwinds(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	h.factory.configure = func(tr *fakeTransport) { tr.publishErr = errors.New("no route") }

	err := h.o.Join(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "publish" {
		t.Fatalf("Join error = %v, want publish TransportError", err)
	}
	for _, tr := range h.capture.tracks() {
		if !tr.Stopped() {
			t.Errorf("track %s not stopped", tr.name)
		}
	}
	if h.log.count("leave 1") != 1 {
		t.Fatalf("primary not left: %v", h.log.all())
	}
	if h.o.State() != StateDisconnected || h.store.has(1) {
		t.Fatal("failed publish left state behind")
	}
}

func TestViewer_SplitsTwoPresentersWithPreferredLeft(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, 500)
	h.o.cfg.PreferredLeft = 2
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	p := h.primary(t)

	p.emit(published(1, domain.MediaVideo))
	p.emit(published(2, domain.MediaVideo))
	h.o.Wait()

	assertDecisions(t, h.o, "split_pair(camera-2,camera-1)")
	if h.log.count("subscribe 1/video") != 1 || h.log.count("subscribe 2/video") != 1 {
		t.Fatalf("subscriptions: %v", h.log.all())
	}
	if len(h.capture.tracks()) != 0 {
		t.Fatal("viewer must not capture")
	}
}

func TestViewer_ScreenShareOwnsBackground(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, 500)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	p := h.primary(t)

	p.emit(published(1, domain.MediaVideo))
	p.emit(published(domain.ScreenID(1), domain.MediaVideo))
	p.emit(published(3, domain.MediaVideo))

	assertDecisions(t, h.o,
		"background_fill(screen-1)",
		"floating_overlay(camera-1@bottom-right)",
		"hidden(camera-3)")

	p.emit(core.Event{Type: core.EventParticipantLeft, Participant: domain.ScreenID(1)})
	assertDecisions(t, h.o, "split_pair(camera-1,camera-3)")
}

func TestViewer_StaleSubscriptionDropped(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, 500)
	hit, gate := make(chan struct{}), make(chan struct{})
	h.factory.configure = func(tr *fakeTransport) {
		tr.subscribeHit = hit
		tr.subscribeGo = gate
	}
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	p := h.primary(t)

	p.emit(published(2, domain.MediaVideo))
	<-hit
	p.emit(unpublished(2, domain.MediaVideo))
	close(gate)
	h.o.Wait()

	if len(h.o.Tracks()) != 0 {
		t.Fatalf("tracks = %v, want empty", h.o.Tracks())
	}
	if _, ok := h.o.media.lookup(layout.CameraSurface(2)); ok {
		t.Fatal("subscription kept for an unpublished producer")
	}
	assertDecisions(t, h.o)
}

func TestViewer_PendingSubscribeDoesNotHoldLaterEvents(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, 500)
	h.factory.configure = func(tr *fakeTransport) { tr.subscribeHang = true }
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	p := h.primary(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.emit(published(3, domain.MediaVideo))
		p.emit(published(4, domain.MediaVideo))
		p.emit(unpublished(4, domain.MediaVideo))
		p.emit(core.Event{Type: core.EventParticipantLeft, Participant: 3})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events held behind an unresolved subscription")
	}

	if len(h.o.Tracks()) != 0 {
		t.Fatalf("tracks = %v, want empty", h.o.Tracks())
	}
	assertDecisions(t, h.o)
}

func TestViewer_SubscribeGivesUpAfterTimeout(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, 500)
	errs := make(chan error, 1)
	h.factory.configure = func(tr *fakeTransport) {
		tr.subscribeHang = true
		tr.subscribeErrs = errs
	}
	h.o.cfg.SubscribeTimeout = 20 * time.Millisecond
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	h.primary(t).emit(published(3, domain.MediaVideo))
	select {
	case err := <-errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("subscribe ended with %v, want deadline", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never timed out")
	}
	h.o.Wait()

	if _, ok := h.o.media.lookup(layout.CameraSurface(3)); ok {
		t.Fatal("media bound for a failed subscription")
	}
	assertDecisions(t, h.o, "full_screen(camera-3)")
}

func TestViewer_AudioWithoutPlayer(t *testing.T) {
	j := &journal{}
	f := newFactory(j)
	o, err := New(Config{Session: "lesson-1", Self: 500, Role: domain.RoleViewer, Render: renderOptions()},
		Deps{Transports: f, Tokens: fakeTokens{}, Surfaces: nopHost{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Wait()
	defer o.Close()
	if err := o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	f.get(500).emit(published(1, domain.MediaAudio))
	o.Wait()
	if o.Autoplay().Pending() {
		t.Fatal("muted default player reported a block")
	}
}

func TestStartScreenShare_RejectedWhenStageFull(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1, 2)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	err := h.o.StartScreenShare(context.Background())
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("StartScreenShare = %v, want ErrAdmissionRejected", err)
	}
	if h.o.ScreenState() != ScreenIdle {
		t.Fatalf("screen state = %s, want idle", h.o.ScreenState())
	}
	if h.capture.calls() != 0 {
		t.Fatal("capture permission requested despite rejection")
	}
	if h.factory.count() != 1 {
		t.Fatalf("transports created = %d, want only the primary", h.factory.count())
	}
}

func TestStartScreenShare_PublishesUnderDerivedIdentifier(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := h.o.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if h.o.ScreenState() != ScreenPublishing {
		t.Fatalf("screen state = %s", h.o.ScreenState())
	}
	assertInOrder(t, h.log.all(), "capture screen", "join 1001", "role 1001 presenter", "publish 1001 screen")
	if got := h.o.Tracks()[1]; !got.HasCamera || !got.HasScreen {
		t.Fatalf("tracks[1] = %+v, want camera and screen", got)
	}
	assertDecisions(t, h.o, "background_fill(screen-1)", "floating_overlay(camera-1@bottom-right)")

	// the primary client sees the secondary's producer; it must not subscribe to it
	h.primary(t).emit(published(domain.ScreenID(1), domain.MediaVideo))
	if h.log.count("subscribe 1001/video") != 0 {
		t.Fatal("subscribed to own screen")
	}
}

func TestStopScreenShare_OrderAndQuiescence(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	h.capture.screenAudio = true
	ctx := context.Background()
	if err := h.o.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.o.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	assertInOrder(t, h.log.all(), "publish 1001 screen", "publish 1001 screen-audio")

	if err := h.o.StopScreenShare(ctx); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	assertInOrder(t, h.log.all(), "unpublish 1001 screen", "unpublish 1001 screen-audio", "leave 1001")
	if h.o.Tracks()[1].HasScreen {
		t.Fatal("screen still registered after stop")
	}
	assertDecisions(t, h.o, "full_screen(camera-1)")

	err := h.o.StartScreenShare(ctx)
	if !errors.Is(err, ErrIdentifierBusy) {
		t.Fatalf("restart inside quiescence = %v, want ErrIdentifierBusy", err)
	}
	if h.capture.calls() != 1 {
		t.Fatal("capture requested during quiescence")
	}
	if h.o.ScreenState() != ScreenIdle {
		t.Fatalf("screen state = %s, want idle", h.o.ScreenState())
	}

	h.clock.Advance(DefaultQuiescence)
	if err := h.o.StartScreenShare(ctx); err != nil {
		t.Fatalf("restart after quiescence: %v", err)
	}
}

func TestStartScreenShare_CaptureDenied(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	h.capture.screenErr = fmt.Errorf("user dismissed picker: %w", core.ErrCaptureDenied)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	err := h.o.StartScreenShare(context.Background())
	var ce *CaptureError
	if !errors.As(err, &ce) || !errors.Is(err, core.ErrCaptureDenied) {
		t.Fatalf("StartScreenShare = %v, want CaptureError wrapping ErrCaptureDenied", err)
	}
	if h.o.ScreenState() != ScreenIdle || h.guard.Busy(domain.ScreenID(1)) {
		t.Fatal("denied capture left the identifier reserved")
	}
	if h.factory.count() != 1 {
		t.Fatal("secondary transport created after denied capture")
	}
	if h.o.Tracks()[1].HasScreen {
		t.Fatal("registry mutated by failed attempt")
	}
}

func TestStartScreenShare_PublishFailureUnwinds(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	h.capture.screenAudio = true
	h.factory.configure = func(tr *fakeTransport) {
		if tr.id == domain.ScreenID(1) {
			tr.publishErr = errors.New("sfu full")
		}
	}
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	err := h.o.StartScreenShare(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "publish" || te.Identifier != domain.ScreenID(1) {
		t.Fatalf("StartScreenShare = %v, want publish TransportError for 1001", err)
	}
	if h.log.count("leave 1001") != 1 {
		t.Fatalf("secondary not left: %v", h.log.all())
	}
	for _, tr := range h.capture.tracks() {
		if (tr.name == "screen" || tr.name == "screen-audio") && !tr.Stopped() {
			t.Errorf("%s capture not stopped", tr.name)
		}
	}
	if h.o.ScreenState() != ScreenIdle || h.o.Tracks()[1].HasScreen {
		t.Fatal("failed share left state behind")
	}
	if !h.guard.Busy(domain.ScreenID(1)) {
		t.Fatal("identifier should quiesce after a joined attempt")
	}
	h.clock.Advance(DefaultQuiescence)
	if h.guard.Busy(domain.ScreenID(1)) {
		t.Fatal("identifier still busy after quiescence")
	}
}

func TestStartScreenShare_OverlappingAttemptRejected(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	h.capture.screenHit = make(chan struct{})
	h.capture.screenGo = make(chan struct{})
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- h.o.StartScreenShare(context.Background()) }()
	<-h.capture.screenHit

	if err := h.o.StartScreenShare(context.Background()); !errors.Is(err, ErrIdentifierBusy) {
		t.Fatalf("second attempt = %v, want ErrIdentifierBusy", err)
	}
	close(h.capture.screenGo)
	if err := <-first; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if h.capture.calls() != 1 {
		t.Fatalf("capture calls = %d, want 1", h.capture.calls())
	}
}

func TestEnforceSourceCap_OnlyWhileSharing(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	ctx := context.Background()
	if err := h.o.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	cam := h.capture.tracks()[0]

	h.o.EnforceSourceCap(ctx)
	if !cam.Enabled() {
		t.Fatal("camera disabled without a screen share")
	}

	if err := h.o.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	h.o.EnforceSourceCap(ctx)
	if cam.Enabled() {
		t.Fatal("camera still enabled while sharing on a crowded stage")
	}
}

func TestSetCameraEnabled_TogglesWithoutRepublish(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	captured := h.capture.tracks()

	if err := h.o.SetCameraEnabled(false); err != nil {
		t.Fatalf("SetCameraEnabled: %v", err)
	}
	if err := h.o.SetMicrophoneEnabled(false); err != nil {
		t.Fatalf("SetMicrophoneEnabled: %v", err)
	}
	if captured[0].Enabled() || captured[1].Enabled() {
		t.Fatal("tracks still enabled")
	}
	if h.log.count("publish 1 camera") != 1 {
		t.Fatal("camera re-published on toggle")
	}
}

func TestSetCameraEnabled_ViewerRejected(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, 500)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.o.SetCameraEnabled(true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SetCameraEnabled = %v, want ErrInvalidState", err)
	}
}

func TestAutoplay_BlockedThenRecovered(t *testing.T) {
	h := newHarness(t, domain.RoleViewer, 500)
	h.player.block = true
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	h.primary(t).emit(published(1, domain.MediaAudio))
	h.o.Wait()
	if !h.o.Autoplay().Pending() {
		t.Fatal("blocked playback should expose recovery")
	}

	h.player.mu.Lock()
	h.player.block = false
	h.player.mu.Unlock()
	if err := h.o.Autoplay().Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if h.o.Autoplay().Pending() {
		t.Fatal("affordance not removed after recovery")
	}
	if !slices.Equal(h.player.played, []string{"1/audio"}) {
		t.Fatalf("played = %v", h.player.played)
	}
}

func TestPrimaryDisconnect_RemovesPresence(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	h.primary(t).emit(core.Event{Type: core.EventConnectionStateChanged, State: core.ConnFailed})
	h.o.Wait()

	if h.store.has(1) {
		t.Fatal("presence record survived a dropped connection")
	}
	if h.o.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", h.o.State())
	}
	if len(h.o.Tracks()) != 0 {
		t.Fatalf("tracks = %v, want empty", h.o.Tracks())
	}
	if !h.capture.tracks()[0].Stopped() {
		t.Fatal("camera capture not released")
	}
}

func TestBecomeViewer_StopsPresenting(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	ctx := context.Background()
	if err := h.o.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := h.o.BecomeViewer(ctx); err != nil {
		t.Fatalf("BecomeViewer: %v", err)
	}
	h.o.Wait()

	if h.o.Role() != domain.RoleViewer || h.o.State() != StateJoined {
		t.Fatalf("role %s state %s", h.o.Role(), h.o.State())
	}
	assertInOrder(t, h.log.all(), "unpublish 1 camera", "unpublish 1 mic", "role 1 viewer")
	if h.store.has(1) {
		t.Fatal("presence record kept after becoming viewer")
	}
	if len(h.o.Tracks()) != 0 {
		t.Fatalf("tracks = %v, want empty", h.o.Tracks())
	}
}

func TestEndBroadcast_TearsDownEverything(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	ctx := context.Background()
	if err := h.o.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.o.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	if err := h.o.EndBroadcast(ctx); err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	h.o.Wait()

	if h.lifecycle.ended != 1 {
		t.Fatalf("ended = %d, want 1", h.lifecycle.ended)
	}
	if h.o.State() != StateClosed {
		t.Fatalf("state = %s, want closed", h.o.State())
	}
	assertInOrder(t, h.log.all(), "leave 1001", "leave 1")
	if h.store.has(1) {
		t.Fatal("presence record kept after end")
	}
}

func TestClose_Idempotent(t *testing.T) {
	h := newHarness(t, domain.RolePresenter, 1)
	if err := h.o.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.o.Close()
	h.o.Close()
	h.o.Wait()

	if n := h.log.count("leave 1"); n != 1 {
		t.Fatalf("leave count = %d, want 1", n)
	}
	if err := h.o.Join(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Join after Close = %v, want ErrInvalidState", err)
	}
}

func renderOptions() render.Options {
	return render.Options{RetryAttempts: 1, RetryDelay: time.Millisecond}
}
