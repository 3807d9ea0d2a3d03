package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// journal records calls across every fake in the order they happened.
type journal struct {
	mu    sync.Mutex
	lines []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.lines...)
}

func (j *journal) count(line string) int {
	n := 0
	for _, l := range j.all() {
		if l == line {
			n++
		}
	}
	return n
}

type fakeTrack struct {
	name    string
	media   domain.MediaKind
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newTrack(name string, media domain.MediaKind) *fakeTrack {
	return &fakeTrack{name: name, media: media, enabled: true}
}

func (t *fakeTrack) Media() domain.MediaKind { return t.media }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeMedia struct{ p core.Producer }

func (m fakeMedia) Producer() core.Producer { return m.p }

type fakeTransport struct {
	id  domain.ParticipantID
	log *journal

	mu           sync.Mutex
	handler      func(core.Event)
	joinErr      error
	publishErr   error
	subscribeHit chan struct{}
	subscribeGo  chan struct{}
	// subscribeHang makes Subscribe wait for its context, like a producer
	// that never sends media.
	subscribeHang bool
	subscribeErrs chan error
}

func (t *fakeTransport) Join(_ context.Context, _ string, _ domain.SessionID, token string, id domain.ParticipantID) error {
	t.log.add("join %d", id)
	return t.joinErr
}

func (t *fakeTransport) SetRole(_ context.Context, role domain.Role) error {
	t.log.add("role %d %s", t.id, role)
	return nil
}

func (t *fakeTransport) Publish(_ context.Context, tracks ...core.LocalTrack) error {
	for _, tr := range tracks {
		t.log.add("publish %d %s", t.id, tr.(*fakeTrack).name)
	}
	return t.publishErr
}

func (t *fakeTransport) Unpublish(_ context.Context, tracks ...core.LocalTrack) error {
	for _, tr := range tracks {
		t.log.add("unpublish %d %s", t.id, tr.(*fakeTrack).name)
	}
	return nil
}

func (t *fakeTransport) Subscribe(ctx context.Context, p core.Producer) (core.RemoteMedia, error) {
	t.log.add("subscribe %s", p.Key())
	if t.subscribeHang {
		<-ctx.Done()
		if t.subscribeErrs != nil {
			t.subscribeErrs <- ctx.Err()
		}
		return nil, ctx.Err()
	}
	if t.subscribeHit != nil {
		t.subscribeHit <- struct{}{}
		<-t.subscribeGo
	}
	return fakeMedia{p: p}, nil
}

func (t *fakeTransport) Leave(context.Context) error {
	t.log.add("leave %d", t.id)
	return nil
}

func (t *fakeTransport) OnEvent(fn func(core.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *fakeTransport) emit(ev core.Event) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	fn(ev)
}

type fakeFactory struct {
	log *journal

	mu        sync.Mutex
	made      map[domain.ParticipantID]*fakeTransport
	configure func(*fakeTransport)
	created   int
}

func newFactory(log *journal) *fakeFactory {
	return &fakeFactory{log: log, made: make(map[domain.ParticipantID]*fakeTransport)}
}

func (f *fakeFactory) NewTransport(id domain.ParticipantID) core.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{id: id, log: f.log}
	if f.configure != nil {
		f.configure(t)
	}
	f.made[id] = t
	f.created++
	return t
}

func (f *fakeFactory) get(id domain.ParticipantID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[id]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type fakeTokens struct{}

func (fakeTokens) IssueToken(_ context.Context, _ domain.SessionID, id domain.ParticipantID, role domain.Role) (domain.Credential, error) {
	return domain.Credential{Token: fmt.Sprintf("tok-%d", id), Identifier: id, Role: role}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	records map[domain.ParticipantID]domain.PresenceRecord
	deletes int
}

func newStore(ids ...domain.ParticipantID) *fakeStore {
	s := &fakeStore{records: make(map[domain.ParticipantID]domain.PresenceRecord)}
	for _, id := range ids {
		s.records[id] = domain.PresenceRecord{ParticipantID: id}
	}
	return s
}

func (s *fakeStore) Put(_ context.Context, session domain.SessionID, id domain.ParticipantID, info domain.PresenceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = domain.PresenceRecord{SessionID: session, ParticipantID: id, DisplayName: info.DisplayName}
	return nil
}

func (s *fakeStore) Delete(_ context.Context, _ domain.SessionID, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.deletes++
	return nil
}

func (s *fakeStore) List(context.Context, domain.SessionID) ([]domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PresenceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) has(id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

type fakeCapture struct {
	log *journal

	mu          sync.Mutex
	screenErr   error
	screenAudio bool
	screenCalls int
	screenHit   chan struct{}
	screenGo    chan struct{}
	made        []*fakeTrack
}

func (c *fakeCapture) track(name string, media domain.MediaKind) *fakeTrack {
	t := newTrack(name, media)
	c.mu.Lock()
	c.made = append(c.made, t)
	c.mu.Unlock()
	return t
}

func (c *fakeCapture) Camera(context.Context) (core.LocalTrack, error) {
	return c.track("camera", domain.MediaVideo), nil
}

func (c *fakeCapture) Microphone(context.Context) (core.LocalTrack, error) {
	return c.track("mic", domain.MediaAudio), nil
}

func (c *fakeCapture) Screen(context.Context) (core.LocalTrack, core.LocalTrack, error) {
	c.mu.Lock()
	c.screenCalls++
	err, withAudio, hit, gate := c.screenErr, c.screenAudio, c.screenHit, c.screenGo
	c.mu.Unlock()
	c.log.add("capture screen")
	if hit != nil {
		hit <- struct{}{}
		<-gate
	}
	if err != nil {
		return nil, nil, err
	}
	var audio core.LocalTrack
	if withAudio {
		audio = c.track("screen-audio", domain.MediaAudio)
	}
	return c.track("screen", domain.MediaVideo), audio, nil
}

func (c *fakeCapture) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenCalls
}

func (c *fakeCapture) tracks() []*fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTrack(nil), c.made...)
}

type nopHost struct{}

func (nopHost) CreateSurface(core.SurfaceID) error { return nil }
func (nopHost) SetPlacement(core.SurfaceID, core.Placement, core.Anchor) error { return nil }
func (nopHost) SetLabel(core.SurfaceID, string) error { return nil }
func (nopHost) BindProducer(core.SurfaceID, core.RemoteMedia) error { return nil }
func (nopHost) RemoveSurface(core.SurfaceID) error { return nil }

type fakePlayer struct {
	mu     sync.Mutex
	block  bool
	played []string
}

func (p *fakePlayer) Play(_ context.Context, m core.RemoteMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.block {
		return errors.New("autoplay blocked")
	}
	p.played = append(p.played, m.Producer().Key())
	return nil
}

type fakeLifecycle struct {
	mu    sync.Mutex
	ended int
}

func (l *fakeLifecycle) StartBroadcast(context.Context, domain.SessionID, domain.ParticipantID) (core.BroadcastStart, error) {
	return core.BroadcastStart{}, nil
}

func (l *fakeLifecycle) EndBroadcast(context.Context, domain.SessionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended++
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
