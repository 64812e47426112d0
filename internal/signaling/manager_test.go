package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/exchange"
	"call-signaling/internal/store"

	"github.com/pion/webrtc/v4"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0).UTC()} }

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

type fakeIssuer struct{ clock *fakeClock }

func (f fakeIssuer) Issue(validity time.Duration) (calls.RelayCredentials, error) {
	return calls.RelayCredentials{
		Servers:   []calls.ICEServer{{URLs: []string{"turn:relay.test"}, Username: "u", Credential: "c"}},
		Username:  "u",
		ExpiresAt: f.clock.Now().Add(validity),
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type recordingRecorder struct {
	mu          sync.Mutex
	transitions []calls.Transition
}

func (r *recordingRecorder) RecordTransition(_ context.Context, t calls.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *recordingRecorder) terminalCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t.SessionID == sessionID && t.To.IsTerminal() {
			n++
		}
	}
	return n
}

// flakyStore fails the next N writes with a transient error.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
	writes   int
}

var errTransient = errors.New("connection refused")

func (f *flakyStore) fail(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *flakyStore) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failures > 0 {
		f.failures--
		return true
	}
	return false
}

func (f *flakyStore) Create(ctx context.Context, s calls.Session) (string, error) {
	if f.shouldFail() {
		return "", errTransient
	}
	return f.Memory.Create(ctx, s)
}

func (f *flakyStore) Update(ctx context.Context, s calls.Session, prev int64) error {
	if f.shouldFail() {
		return errTransient
	}
	return f.Memory.Update(ctx, s, prev)
}

type harness struct {
	m     *Manager
	clock *fakeClock
	store Store
	cache *exchange.Cache
	pub   *recordingPublisher
	rec   *recordingRecorder
}

func newHarness(t *testing.T, st Store) *harness {
	t.Helper()
	clock := newFakeClock()
	if st == nil {
		st = store.NewMemory()
	}
	h := &harness{
		clock: clock,
		store: st,
		cache: exchange.New(exchange.Options{MaxICE: 4, Now: clock.Now}),
		pub:   &recordingPublisher{},
		rec:   &recordingRecorder{},
	}
	m, err := NewManager(Options{
		Store:           st,
		Issuer:          fakeIssuer{clock: clock},
		Cache:           h.cache,
		Publisher:       h.pub,
		Recorder:        h.rec,
		Conflict:        store.ErrConflict,
		PersistRetries:  2,
		PersistInterval: time.Millisecond,
		Clock:           clock.Now,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	h.m = m
	return h
}

func (h *harness) create(t *testing.T, contextID string, ttl time.Duration) calls.Session {
	t.Helper()
	s, created, err := h.m.CreateSession(context.Background(), CreateRequest{
		ContextID:   contextID,
		PartyA:      calls.Party{ID: "patient-1", Email: "p@example.com"},
		PartyB:      calls.Party{ID: "doctor-1", Email: "d@example.com"},
		TTL:         ttl,
		InitiatorID: "patient-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected a new session for %s", contextID)
	}
	return s
}

func TestEndToEnd_OfferAnswerEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	s := h.create(t, "appt-1", 2*time.Hour)
	if s.Status != calls.StatusInitiated || s.CallType != calls.CallTypeVideo {
		t.Fatalf("unexpected new session: %+v", s)
	}
	if !s.ExpiresAt.Equal(h.clock.Now().Add(2 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", s.ExpiresAt)
	}

	s, err := h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0 offer")
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if s.Status != calls.StatusRinging {
		t.Fatalf("expected RINGING, got %s", s.Status)
	}

	s, err = h.m.SubmitAnswer(ctx, s.ID, "doctor-1", "v=0 answer")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if s.Status != calls.StatusConnected || s.ConnectedAt == nil {
		t.Fatalf("expected CONNECTED with connectedAt, got %+v", s)
	}

	h.clock.Advance(10 * time.Second)
	s, err = h.m.EndSession(ctx, s.ID, "patient-1", "")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if s.Status != calls.StatusEnded || s.EndReason != calls.ReasonUserEnded {
		t.Fatalf("unexpected end state: %+v", s)
	}
	if s.Duration() != 10 {
		t.Fatalf("expected 10s duration, got %d", s.Duration())
	}
	if h.cache.Has(s.ID) {
		t.Fatalf("mailbox must be destroyed")
	}
	if h.m.Active() != 0 {
		t.Fatalf("finished session must leave the registry, %d left", h.m.Active())
	}

	if _, ok, err := h.m.TakeOffer(ctx, s.ID, ""); ok || err != nil {
		t.Fatalf("expected empty take after end, got ok=%v err=%v", ok, err)
	}

	stored, err := h.store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if stored.Status != calls.StatusEnded || stored.OfferSDP == nil || stored.AnswerSDP == nil {
		t.Fatalf("store not updated: %+v", stored)
	}

	want := []string{EventOffer, EventAnswer, EventEnded}
	got := h.pub.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	if h.pub.topics[0] != "calls."+s.ID {
		t.Fatalf("unexpected topic %q", h.pub.topics[0])
	}
}

func TestSubmitAnswer_BeforeOfferIsInvalidState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)

	_, err := h.m.SubmitAnswer(ctx, s.ID, "doctor-1", "v=0 answer")
	if !errors.Is(err, calls.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if st, _ := calls.CurrentState(err); st != calls.StatusInitiated {
		t.Fatalf("expected error to carry INITIATED, got %q", st)
	}
	got, _ := h.m.GetSession(ctx, s.ID)
	if got.Status != calls.StatusInitiated || got.AnswerSDP != nil {
		t.Fatalf("status must be unchanged, got %+v", got)
	}
}

func TestTakeOffer_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)
	if _, err := h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0 offer"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	d, ok, err := h.m.TakeOffer(ctx, s.ID, "")
	if err != nil || !ok || d.SDP != "v=0 offer" || d.Type != webrtc.SDPTypeOffer {
		t.Fatalf("expected offer once, got %+v ok=%v err=%v", d, ok, err)
	}
	if _, ok, err := h.m.TakeOffer(ctx, s.ID, ""); ok || err != nil {
		t.Fatalf("expected empty second read, got ok=%v err=%v", ok, err)
	}
}

func TestSubmitOffer_RepeatKeepsFirstPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)

	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "first")
	s, err := h.m.SubmitOffer(ctx, s.ID, "patient-1", "second")
	if err != nil {
		t.Fatalf("repeat offer must not fail: %v", err)
	}
	if *s.OfferSDP != "first" {
		t.Fatalf("expected first offer kept on the record, got %q", *s.OfferSDP)
	}
	d, _, _ := h.m.TakeOffer(ctx, s.ID, "")
	if d.SDP != "second" {
		t.Fatalf("expected mailbox to hold the latest offer, got %q", d.SDP)
	}
}

func TestRelayICE_DroppedAfterEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)
	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")

	delivered, err := h.m.RelayICE(ctx, s.ID, "patient-1", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	if err != nil || !delivered {
		t.Fatalf("expected delivery while ringing, got %v %v", delivered, err)
	}
	if _, err := h.m.EndSession(ctx, s.ID, "doctor-1", ""); err != nil {
		t.Fatalf("end: %v", err)
	}

	delivered, err = h.m.RelayICE(ctx, s.ID, "patient-1", webrtc.ICECandidateInit{Candidate: "candidate:2"})
	if err != nil || delivered {
		t.Fatalf("expected silent drop, got delivered=%v err=%v", delivered, err)
	}
	got, err := h.m.DrainICE(ctx, s.ID, "")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v err=%v", got, err)
	}

	delivered, err = h.m.RelayICE(ctx, "no-such-session", "x", webrtc.ICECandidateInit{Candidate: "c"})
	if err != nil || delivered {
		t.Fatalf("unknown session must be a silent drop, got %v %v", delivered, err)
	}
}

func TestRelayICE_RequiresOffer(t *testing.T) {
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)
	_, err := h.m.RelayICE(context.Background(), s.ID, "patient-1", webrtc.ICECandidateInit{Candidate: "c"})
	if !errors.Is(err, calls.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before offer, got %v", err)
	}
}

func TestDrainICE_OrderAndCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)
	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")

	for i := 0; i < 6; i++ {
		if _, err := h.m.RelayICE(ctx, s.ID, "patient-1", webrtc.ICECandidateInit{Candidate: fmt.Sprintf("c%d", i)}); err != nil {
			t.Fatalf("relay: %v", err)
		}
	}
	own, err := h.m.DrainICE(ctx, s.ID, "patient-1")
	if err != nil || len(own) != 0 {
		t.Fatalf("sender must not drain its own candidates, got %+v err=%v", own, err)
	}
	got, err := h.m.DrainICE(ctx, s.ID, "doctor-1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 4 || got[0].Candidate != "c2" || got[3].Candidate != "c5" {
		t.Fatalf("expected newest 4 in order, got %+v", got)
	}
	if got[0].SenderID != "patient-1" {
		t.Fatalf("expected sender tag, got %q", got[0].SenderID)
	}
}

func TestEndSession_NeverConnectedHasNoDuration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)
	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")

	h.clock.Advance(time.Minute)
	s, err := h.m.EndSession(ctx, s.ID, "patient-1", "")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if s.DurationSeconds != nil || s.Duration() != 0 {
		t.Fatalf("expected no duration, got %v", s.DurationSeconds)
	}

	_, err = h.m.EndSession(ctx, s.ID, "patient-1", "")
	if !errors.Is(err, calls.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second end, got %v", err)
	}
}

func TestFailSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)

	s, err := h.m.FailSession(ctx, s.ID, "doctor-1", "")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if s.Status != calls.StatusFailed || s.EndReason != calls.ReasonError || s.EndedAt == nil {
		t.Fatalf("unexpected failed session: %+v", s)
	}
	if _, err := h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0"); !errors.Is(err, calls.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after failure, got %v", err)
	}
}

func TestUnknownSession_NotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	if _, err := h.m.SubmitOffer(ctx, "missing", "a", "v=0"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := h.m.TakeAnswer(ctx, "missing", ""); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.m.DrainICE(ctx, "missing", ""); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.m.EndSession(ctx, "missing", "a", ""); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	h := newHarness(t, nil)
	cases := []CreateRequest{
		{PartyA: calls.Party{ID: "a"}, PartyB: calls.Party{ID: "b"}},
		{ContextID: "c", PartyA: calls.Party{ID: "a"}},
		{ContextID: "c", PartyA: calls.Party{ID: "a"}, PartyB: calls.Party{ID: "a"}},
		{ContextID: "c", PartyA: calls.Party{ID: "a"}, PartyB: calls.Party{ID: "b"}, TTL: 48 * time.Hour},
		{ContextID: "c", PartyA: calls.Party{ID: "a"}, PartyB: calls.Party{ID: "b"}, CallType: "hologram"},
		{ContextID: "c", PartyA: calls.Party{ID: "a"}, PartyB: calls.Party{ID: "b"}, InitiatorID: "z"},
	}
	for i, req := range cases {
		if _, _, err := h.m.CreateSession(context.Background(), req); !errors.Is(err, calls.ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestSweep_ExpiresUnansweredSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", time.Second)
	live := h.create(t, "appt-2", time.Hour)

	h.clock.Advance(2 * time.Second)
	res, err := h.m.SweepExpired(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 1 {
		t.Fatalf("expected 1 expired, got %d", res.Expired)
	}

	got, err := h.m.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != calls.StatusExpired || got.EndReason != calls.ReasonTimeout {
		t.Fatalf("expected EXPIRED/TIMEOUT, got %s/%s", got.Status, got.EndReason)
	}
	if h.cache.Has(s.ID) {
		t.Fatalf("expired mailbox must be destroyed")
	}
	other, _ := h.m.GetSession(ctx, live.ID)
	if other.Status != calls.StatusInitiated {
		t.Fatalf("live session must be untouched, got %s", other.Status)
	}

	res, _ = h.m.SweepExpired(ctx, h.clock.Now().Add(time.Second))
	if res.Expired != 0 {
		t.Fatalf("sweep must never re-finish a terminal session, expired=%d", res.Expired)
	}
}

func TestSweep_ExpiresSessionWithPendingOffer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", time.Minute)
	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")

	h.clock.Advance(2 * time.Minute)
	if res, _ := h.m.SweepExpired(ctx, h.clock.Now()); res.Expired != 1 {
		t.Fatalf("expected ringing session to expire, got %+v", res)
	}
}

func TestSweep_PicksUpSessionsOnlyInStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	h := newHarness(t, st)
	now := h.clock.Now()
	orphan := calls.Session{
		ID:        "orphan",
		ContextID: "appt-9",
		PartyA:    calls.Party{ID: "a"},
		PartyB:    calls.Party{ID: "b"},
		Status:    calls.StatusRinging,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
		Version:   2,
	}
	if _, err := st.Create(ctx, orphan); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := h.m.SweepExpired(ctx, now)
	if err != nil || res.Expired != 1 {
		t.Fatalf("expected orphan expired, got %+v err=%v", res, err)
	}
	got, _ := st.Get(ctx, "orphan")
	if got.Status != calls.StatusExpired {
		t.Fatalf("expected store updated to EXPIRED, got %s", got.Status)
	}
}

func TestConcurrentEndAndSweep_SingleTerminalTransition(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, nil)
		s := h.create(t, fmt.Sprintf("appt-%d", i), time.Second)
		h.clock.Advance(2 * time.Second)

		var g errgroup.Group
		var endErr error
		g.Go(func() error {
			_, endErr = h.m.EndSession(context.Background(), s.ID, "patient-1", "")
			return nil
		})
		g.Go(func() error {
			_, err := h.m.SweepExpired(context.Background(), h.clock.Now())
			return err
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if endErr != nil && !errors.Is(endErr, calls.ErrInvalidState) {
			t.Fatalf("unexpected end error: %v", endErr)
		}
		if n := h.rec.terminalCount(s.ID); n != 1 {
			t.Fatalf("expected exactly one terminal transition, got %d", n)
		}
	}
}

func TestConcurrentCreate_SameContextIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	const n = 16
	ids := make([]string, n)
	created := make([]bool, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			s, c, err := h.m.CreateSession(ctx, CreateRequest{
				ContextID: "appt-1",
				PartyA:    calls.Party{ID: "patient-1"},
				PartyB:    calls.Party{ID: "doctor-1"},
			})
			ids[i], created[i] = s.ID, c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh := 0
	for i := range ids {
		if ids[i] != ids[0] {
			t.Fatalf("expected one session, got %q and %q", ids[0], ids[i])
		}
		if created[i] {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one creation, got %d", fresh)
	}
	if h.creatingLocks() != 0 {
		t.Fatalf("context locks leaked")
	}
}

func (h *harness) creatingLocks() int { return h.m.creating.size() }

func TestCreateSession_NewSessionAfterTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	first := h.create(t, "appt-1", 0)
	if _, err := h.m.EndSession(ctx, first.ID, "patient-1", ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	second := h.create(t, "appt-1", 0)
	if second.ID == first.ID {
		t.Fatalf("expected a fresh session after the first ended")
	}
}

func TestTransientStoreFailure_FlaggedThenReconciled(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	h := newHarness(t, st)
	s := h.create(t, "appt-1", 0)

	// 1 try + 2 retries all fail.
	st.fail(3)
	s, err := h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")
	if err != nil {
		t.Fatalf("transition must proceed despite store failure: %v", err)
	}
	if s.Status != calls.StatusRinging {
		t.Fatalf("expected RINGING in memory, got %s", s.Status)
	}
	stored, _ := st.Memory.Get(ctx, s.ID)
	if stored.Status != calls.StatusInitiated {
		t.Fatalf("store should still hold the old version, got %s", stored.Status)
	}
	if _, ok, _ := h.m.TakeOffer(ctx, s.ID, ""); !ok {
		t.Fatalf("session must stay usable for signaling")
	}

	res, err := h.m.SweepExpired(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Reconciled != 1 {
		t.Fatalf("expected 1 reconciled, got %d", res.Reconciled)
	}
	stored, _ = st.Memory.Get(ctx, s.ID)
	if stored.Status != calls.StatusRinging {
		t.Fatalf("expected reconciled RINGING, got %s", stored.Status)
	}
}

func TestTransientStoreFailure_RetriedWithinBudget(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	h := newHarness(t, st)
	s := h.create(t, "appt-1", 0)

	st.fail(2)
	if _, err := h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	stored, _ := st.Memory.Get(ctx, s.ID)
	if stored.Status != calls.StatusRinging {
		t.Fatalf("expected retry to land the write, got %s", stored.Status)
	}
}

func TestCreate_UnpersistedIsCreatedLater(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	h := newHarness(t, st)

	st.fail(3)
	s := h.create(t, "appt-1", 0)
	if _, err := st.Memory.Get(ctx, s.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected create to be missing from store, got %v", err)
	}
	if _, err := h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	stored, err := st.Memory.Get(ctx, s.ID)
	if err != nil || stored.Status != calls.StatusRinging {
		t.Fatalf("expected next write to create the record, got %+v err=%v", stored, err)
	}
}

func TestRestart_RehydratesFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	before := newHarness(t, st)
	s := before.create(t, "appt-1", 0)
	if _, err := before.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	after := newHarness(t, st)
	got, err := after.m.GetSession(ctx, s.ID)
	if err != nil || got.Status != calls.StatusRinging {
		t.Fatalf("expected RINGING after restart, got %+v err=%v", got, err)
	}
	if _, ok, _ := after.m.TakeOffer(ctx, s.ID, ""); ok {
		t.Fatalf("mailbox must start empty after restart")
	}
	if _, err := after.m.SubmitAnswer(ctx, s.ID, "doctor-1", "v=0 answer"); err != nil {
		t.Fatalf("answer after restart: %v", err)
	}

	again, created, err := after.m.CreateSession(ctx, CreateRequest{
		ContextID: "appt-1",
		PartyA:    calls.Party{ID: "patient-1"},
		PartyB:    calls.Party{ID: "doctor-1"},
	})
	if err != nil || created || again.ID != s.ID {
		t.Fatalf("expected existing session, got id=%q created=%v err=%v", again.ID, created, err)
	}
}

func TestCreate_AdoptsActiveSessionFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	other := newHarness(t, st)
	s := other.create(t, "appt-1", 0)

	h := newHarness(t, st)
	got, created, err := h.m.CreateSession(ctx, CreateRequest{
		ContextID: "appt-1",
		PartyA:    calls.Party{ID: "patient-1"},
		PartyB:    calls.Party{ID: "doctor-1"},
	})
	if err != nil || created || got.ID != s.ID {
		t.Fatalf("expected adoption of %s, got %q created=%v err=%v", s.ID, got.ID, created, err)
	}
}

func TestReportQuality(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)

	if _, err := h.m.ReportQuality(ctx, s.ID, "patient-1", QualityReport{NetworkType: "wifi"}); !errors.Is(err, calls.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before connect, got %v", err)
	}
	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")
	_, _ = h.m.SubmitAnswer(ctx, s.ID, "doctor-1", "v=0")
	_, _ = h.m.EndSession(ctx, s.ID, "patient-1", "")

	got, err := h.m.ReportQuality(ctx, s.ID, "patient-1", QualityReport{NetworkType: "4g", Metrics: `{"rtt":80}`})
	if err != nil {
		t.Fatalf("report after end: %v", err)
	}
	if got.Quality == nil || got.Quality.NetworkType != "4g" || got.Status != calls.StatusEnded {
		t.Fatalf("unexpected quality: %+v", got.Quality)
	}
	stored, _ := h.store.Get(ctx, s.ID)
	if stored.Quality == nil || stored.Quality.Metrics != `{"rtt":80}` {
		t.Fatalf("quality not persisted: %+v", stored.Quality)
	}
}

func TestEvents_CarryCandidatePayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)
	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")
	mid := "0"
	_, _ = h.m.RelayICE(ctx, s.ID, "patient-1", webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid})

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	last := h.pub.events[len(h.pub.events)-1]
	if last.Type != EventCandidate || last.Candidate == nil || last.Candidate.Candidate != "candidate:1" {
		t.Fatalf("unexpected candidate event: %+v", last)
	}
	if last.Candidate.SDPMid == nil || *last.Candidate.SDPMid != "0" {
		t.Fatalf("sdpMid lost: %+v", last.Candidate)
	}
	if h.pub.events[0].SDPType != "offer" {
		t.Fatalf("expected sdpType offer, got %q", h.pub.events[0].SDPType)
	}
}

type fakeLease struct {
	mu       sync.Mutex
	grant    bool
	acquired int
	released int
}

func (l *fakeLease) Acquire(context.Context, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return l.grant, nil
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestSweeper_RunsUntilCancelled(t *testing.T) {
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", time.Second)
	h.clock.Advance(time.Minute)

	lease := &fakeLease{grant: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Sweeper{Manager: h.m, Interval: 5 * time.Millisecond, Lease: lease}.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := h.m.GetSession(context.Background(), s.ID)
		if got.Status == calls.StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not expire session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	lease.mu.Lock()
	defer lease.mu.Unlock()
	if lease.acquired == 0 || lease.released != lease.acquired {
		t.Fatalf("lease not balanced: acquired=%d released=%d", lease.acquired, lease.released)
	}
}

func TestSweeper_SkipsWithoutLease(t *testing.T) {
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", time.Second)
	h.clock.Advance(time.Minute)

	lease := &fakeLease{grant: false}
	w := Sweeper{Manager: h.m, Lease: lease}
	w.tick(context.Background(), h.m.log, time.Second)

	got, _ := h.m.GetSession(context.Background(), s.ID)
	if got.Status != calls.StatusInitiated {
		t.Fatalf("sweep must not run without the lease, got %s", got.Status)
	}
	if lease.released != 0 {
		t.Fatalf("release without acquire")
	}
}

// peer builds another manager over the same store, clock and audit trail, as a
// second instance of the service would be.
func (h *harness) peer(t *testing.T) *harness {
	t.Helper()
	p := &harness{
		clock: h.clock,
		store: h.store,
		cache: exchange.New(exchange.Options{MaxICE: 4, Now: h.clock.Now}),
		pub:   &recordingPublisher{},
		rec:   h.rec,
	}
	m, err := NewManager(Options{
		Store:           h.store,
		Issuer:          fakeIssuer{clock: h.clock},
		Cache:           p.cache,
		Publisher:       p.pub,
		Recorder:        p.rec,
		Conflict:        store.ErrConflict,
		PersistRetries:  2,
		PersistInterval: time.Millisecond,
		Clock:           h.clock.Now,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	p.m = m
	return p
}

func TestSharedStore_SweepElsewhereWinsOverLocalEnd(t *testing.T) {
	ctx := context.Background()
	a := newHarness(t, nil)
	s := a.create(t, "appt-1", time.Minute)

	b := a.peer(t)
	if _, err := b.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0 offer"); err != nil {
		t.Fatalf("offer on b: %v", err)
	}

	sweeper := a.peer(t)
	a.clock.Advance(2 * time.Minute)
	res, err := sweeper.m.SweepExpired(ctx, a.clock.Now())
	if err != nil || res.Expired != 1 {
		t.Fatalf("sweep: %+v err=%v", res, err)
	}

	// b still holds the session as RINGING in memory.
	_, err = b.m.EndSession(ctx, s.ID, "patient-1", "")
	if state, ok := calls.CurrentState(err); !ok || state != calls.StatusExpired {
		t.Fatalf("expected invalid state EXPIRED, got %v", err)
	}

	stored, err := a.store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if stored.Status != calls.StatusExpired || stored.EndReason != calls.ReasonTimeout || stored.Version != 3 {
		t.Fatalf("stored record overwritten: status=%s reason=%s version=%d", stored.Status, stored.EndReason, stored.Version)
	}
	if n := a.rec.terminalCount(s.ID); n != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", n)
	}
	if b.m.Active() != 0 || b.cache.Has(s.ID) {
		t.Fatalf("stale entry must leave b's registry")
	}
	for _, typ := range b.pub.types() {
		if typ == EventEnded {
			t.Fatalf("b published an ended event for a session it did not finish")
		}
	}
}

func TestSharedStore_LostRaceIsReappliedOnStoredRecord(t *testing.T) {
	ctx := context.Background()
	a := newHarness(t, nil)
	s := a.create(t, "appt-1", 0)

	b := a.peer(t)
	if _, err := b.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0 first"); err != nil {
		t.Fatalf("offer on b: %v", err)
	}

	// a's copy is still INITIATED at version 1. Its write conflicts and the
	// offer is applied again on the stored RINGING record, where it only
	// refreshes the mailbox.
	got, err := a.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0 second")
	if err != nil {
		t.Fatalf("offer on a: %v", err)
	}
	if got.Status != calls.StatusRinging || got.Version != 2 {
		t.Fatalf("unexpected session after reapply: status=%s version=%d", got.Status, got.Version)
	}
	if d, ok, _ := a.m.TakeOffer(ctx, s.ID, "doctor-1"); !ok || d.SDP != "v=0 second" {
		t.Fatalf("expected the reapplied offer in a's mailbox, got %+v ok=%v", d, ok)
	}
	stored, _ := a.store.Get(ctx, s.ID)
	if stored.Version != 2 || stored.OfferSDP == nil || *stored.OfferSDP != "v=0 first" {
		t.Fatalf("unexpected stored record: version=%d offer=%v", stored.Version, stored.OfferSDP)
	}
}

// landedStore applies the next N updates but reports a transient error, as a
// commit whose acknowledgement was lost would.
type landedStore struct {
	*store.Memory
	mu   sync.Mutex
	lost int
}

func (l *landedStore) Update(ctx context.Context, s calls.Session, prev int64) error {
	err := l.Memory.Update(ctx, s, prev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil && l.lost > 0 {
		l.lost--
		return errTransient
	}
	return err
}

func TestPersist_RetryRecognizesOwnLandedWrite(t *testing.T) {
	ctx := context.Background()
	st := &landedStore{Memory: store.NewMemory()}
	h := newHarness(t, st)
	s := h.create(t, "appt-1", 0)

	st.mu.Lock()
	st.lost = 1
	st.mu.Unlock()
	got, err := h.m.EndSession(ctx, s.ID, "patient-1", "")
	if err != nil || got.Status != calls.StatusEnded {
		t.Fatalf("end: %+v err=%v", got, err)
	}
	if n := h.rec.terminalCount(s.ID); n != 1 {
		t.Fatalf("expected one terminal transition, got %d", n)
	}
	stored, _ := h.store.Get(ctx, s.ID)
	if stored.Status != calls.StatusEnded || stored.Version != 2 {
		t.Fatalf("unexpected stored record: status=%s version=%d", stored.Status, stored.Version)
	}
	if h.m.Active() != 0 {
		t.Fatalf("finished session must leave the registry")
	}
}

func TestReportQuality_ConcurrentAfterEndBothLand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.create(t, "appt-1", 0)
	_, _ = h.m.SubmitOffer(ctx, s.ID, "patient-1", "v=0")
	_, _ = h.m.SubmitAnswer(ctx, s.ID, "doctor-1", "v=0")
	ended, err := h.m.EndSession(ctx, s.ID, "patient-1", "")
	if err != nil {
		t.Fatalf("end: %v", err)
	}

	var g errgroup.Group
	for _, reporter := range []string{"patient-1", "doctor-1"} {
		reporter := reporter
		g.Go(func() error {
			_, err := h.m.ReportQuality(ctx, s.ID, reporter, QualityReport{NetworkType: reporter})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("report: %v", err)
	}

	stored, _ := h.store.Get(ctx, s.ID)
	if stored.Version != ended.Version+2 {
		t.Fatalf("expected both reports to land (version %d), got %d", ended.Version+2, stored.Version)
	}
	if stored.Status != calls.StatusEnded || stored.Quality == nil {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
}
