package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/exchange"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Store is the durable session record the manager depends on.
type Store interface {
	Create(ctx context.Context, s calls.Session) (string, error)
	Get(ctx context.Context, id string) (calls.Session, error)
	// Update must land only while the stored version equals prev, failing
	// with calls.ErrVersionConflict otherwise.
	Update(ctx context.Context, s calls.Session, prev int64) error
	FindExpiredBefore(ctx context.Context, t time.Time) ([]calls.Session, error)
	FindActiveByContext(ctx context.Context, contextID string) (calls.Session, error)
}

// CredentialIssuer issues relay credentials for a new session.
type CredentialIssuer interface {
	Issue(validity time.Duration) (calls.RelayCredentials, error)
}

// Publisher fans events out to push subscribers. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Recorder appends lifecycle transitions to the audit trail.
type Recorder interface {
	RecordTransition(ctx context.Context, t calls.Transition) error
}

var errConflictDefault = errors.New("conflict")

type Options struct {
	Store     Store
	Issuer    CredentialIssuer
	Cache     *exchange.Cache
	Publisher Publisher
	Recorder  Recorder
	Logger    *slog.Logger

	// Conflict is the error Store.Create returns for a duplicate active context.
	Conflict error

	DefaultTTL time.Duration
	MaxTTL     time.Duration

	PersistRetries  int
	PersistInterval time.Duration
	SweepParallel   int

	Clock func() time.Time
	NewID func() string
}

// Manager owns every session status transition. Operations on one session are
// linearized by that session's lock; different sessions never share a lock.
// Store and broker I/O always happens after the session lock is released.
type Manager struct {
	store    Store
	issuer   CredentialIssuer
	cache    *exchange.Cache
	pub      Publisher
	rec      Recorder
	log      *slog.Logger
	conflict error

	defaultTTL      time.Duration
	maxTTL          time.Duration
	persistRetries  int
	persistInterval time.Duration
	sweepParallel   int

	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	sessions  map[string]*entry
	byContext map[string]string
	creating  *keyedMutex
}

type entry struct {
	mu          sync.Mutex
	s           calls.Session
	unpersisted bool
	// gen changes whenever s is replaced by the stored record after a
	// conflicting write; mutations applied to the old copy are lost.
	gen uint64

	// persistMu orders store writes for this session; persisted is the last version written.
	persistMu sync.Mutex
	persisted int64
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("signaling: store is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("signaling: credential issuer is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("signaling: exchange cache is required")
	}
	m := &Manager{
		store:           opts.Store,
		issuer:          opts.Issuer,
		cache:           opts.Cache,
		pub:             opts.Publisher,
		rec:             opts.Recorder,
		log:             opts.Logger,
		conflict:        opts.Conflict,
		defaultTTL:      opts.DefaultTTL,
		maxTTL:          opts.MaxTTL,
		persistRetries:  opts.PersistRetries,
		persistInterval: opts.PersistInterval,
		sweepParallel:   opts.SweepParallel,
		now:             opts.Clock,
		newID:           opts.NewID,
		sessions:        map[string]*entry{},
		byContext:       map[string]string{},
		creating:        newKeyedMutex(),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "signaling")
	if m.conflict == nil {
		m.conflict = errConflictDefault
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = 2 * time.Hour
	}
	if m.maxTTL <= 0 {
		m.maxTTL = 24 * time.Hour
	}
	if m.maxTTL < m.defaultTTL {
		return nil, fmt.Errorf("signaling: max ttl %s is below default ttl %s", m.maxTTL, m.defaultTTL)
	}
	if m.persistRetries < 0 {
		m.persistRetries = 0
	}
	if m.persistInterval <= 0 {
		m.persistInterval = 100 * time.Millisecond
	}
	if m.sweepParallel <= 0 {
		m.sweepParallel = 8
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m, nil
}

// CreateRequest carries the inputs of CreateSession. A zero TTL selects the default.
type CreateRequest struct {
	ContextID   string
	PartyA      calls.Party
	PartyB      calls.Party
	TTL         time.Duration
	CallType    calls.CallType
	InitiatorID string
}

func (r *CreateRequest) normalize(defaultTTL, maxTTL time.Duration) error {
	r.ContextID = strings.TrimSpace(r.ContextID)
	r.PartyA.ID = strings.TrimSpace(r.PartyA.ID)
	r.PartyB.ID = strings.TrimSpace(r.PartyB.ID)
	if r.ContextID == "" {
		return fmt.Errorf("%w: context id is required", calls.ErrInvalidArgument)
	}
	if r.PartyA.ID == "" || r.PartyB.ID == "" {
		return fmt.Errorf("%w: both parties are required", calls.ErrInvalidArgument)
	}
	if r.PartyA.ID == r.PartyB.ID {
		return fmt.Errorf("%w: parties must differ", calls.ErrInvalidArgument)
	}
	if r.TTL < 0 || r.TTL > maxTTL {
		return fmt.Errorf("%w: ttl must be between 0 and %s", calls.ErrInvalidArgument, maxTTL)
	}
	if r.TTL == 0 {
		r.TTL = defaultTTL
	}
	if r.CallType == "" {
		r.CallType = calls.CallTypeVideo
	}
	if !r.CallType.Valid() {
		return fmt.Errorf("%w: unknown call type %q", calls.ErrInvalidArgument, r.CallType)
	}
	if r.InitiatorID != "" && r.InitiatorID != r.PartyA.ID && r.InitiatorID != r.PartyB.ID {
		return fmt.Errorf("%w: initiator must be a party", calls.ErrInvalidArgument)
	}
	return nil
}

// CreateSession returns the active session for req.ContextID if one exists
// (created=false), otherwise a new INITIATED session with fresh relay credentials.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (calls.Session, bool, error) {
	if err := req.normalize(m.defaultTTL, m.maxTTL); err != nil {
		return calls.Session{}, false, err
	}

	unlock := m.creating.Lock(req.ContextID)
	defer unlock()

	if s, ok := m.activeByContext(req.ContextID); ok {
		return s, false, nil
	}
	switch existing, err := m.store.FindActiveByContext(ctx, req.ContextID); {
	case err == nil:
		if s, ok, err := m.adopt(existing); err != nil || ok {
			return s, false, err
		}
	case !errors.Is(err, calls.ErrNotFound):
		m.log.Warn("active context lookup failed", "op", "create", "context_id", req.ContextID, "err", err)
	}

	relay, err := m.issuer.Issue(req.TTL)
	if err != nil {
		return calls.Session{}, false, fmt.Errorf("issue relay credentials: %w", err)
	}

	now := m.now().UTC()
	s := calls.Session{
		ID:          m.newID(),
		ContextID:   req.ContextID,
		PartyA:      req.PartyA,
		PartyB:      req.PartyB,
		CallType:    req.CallType,
		InitiatorID: req.InitiatorID,
		Status:      calls.StatusInitiated,
		Relay:       relay,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(req.TTL),
		Version:     1,
		Revision:    uuid.NewString(),
	}

	// Not registered yet: only the context lock is held across the write.
	err = m.retry(ctx, func() error {
		_, err := m.store.Create(ctx, s)
		return err
	})
	e := &entry{s: s, persisted: s.Version}
	switch {
	case err == nil:
	case errors.Is(err, m.conflict):
		existing, ferr := m.store.FindActiveByContext(ctx, req.ContextID)
		if ferr != nil {
			return calls.Session{}, false, fmt.Errorf("resolve context conflict: %w", ferr)
		}
		if got, ok, aerr := m.adopt(existing); aerr != nil || ok {
			return got, false, aerr
		}
		return calls.Session{}, false, fmt.Errorf("resolve context conflict: %w", err)
	default:
		m.log.Error("session not persisted", "op", "create", "session_id", s.ID, "err", err)
		e.unpersisted = true
		e.persisted = 0
	}

	m.register(e)
	m.log.Info("session created",
		"session_id", s.ID,
		"context_id", s.ContextID,
		"call_type", s.CallType,
		"expires_at", s.ExpiresAt,
	)
	m.record(ctx, calls.Transition{SessionID: s.ID, ActorID: req.InitiatorID, To: calls.StatusInitiated, At: now})
	return s.Clone(), true, nil
}

// SubmitOffer stores the offer for the peer and moves the session to RINGING.
// A repeated offer overwrites the unread one; the first offer is the one persisted.
func (m *Manager) SubmitOffer(ctx context.Context, sessionID, senderID, sdp string) (calls.Session, error) {
	if strings.TrimSpace(sdp) == "" {
		return calls.Session{}, fmt.Errorf("%w: sdp is required", calls.ErrInvalidArgument)
	}
	var replaced bool
	res, err := m.mutate(ctx, sessionID, senderID, "submit offer", func(s *calls.Session, now time.Time) (bool, error) {
		if s.Status != calls.StatusInitiated && s.Status != calls.StatusRinging {
			return false, &calls.StateError{Op: "submit offer", Current: s.Status}
		}
		r, err := m.cache.PutOffer(s.ID, exchange.Description{Type: webrtc.SDPTypeOffer, SDP: sdp, SenderID: senderID, ReceivedAt: now})
		if err != nil {
			return false, err
		}
		replaced = r
		first := s.OfferSDP == nil
		if first {
			v := sdp
			s.OfferSDP = &v
		}
		changed := s.Status != calls.StatusRinging
		s.Status = calls.StatusRinging
		return changed || first, nil
	})
	if err != nil {
		return calls.Session{}, err
	}
	if replaced {
		m.log.Warn("unread offer overwritten", "op", "submit offer", "session_id", sessionID, "sender_id", senderID)
	}
	m.publish(ctx, Event{Type: EventOffer, SessionID: sessionID, SenderID: senderID, SDP: sdp, SDPType: webrtc.SDPTypeOffer.String(), Status: res.Status, At: res.UpdatedAt})
	return res, nil
}

// SubmitAnswer stores the answer and moves a RINGING session to CONNECTED.
func (m *Manager) SubmitAnswer(ctx context.Context, sessionID, senderID, sdp string) (calls.Session, error) {
	if strings.TrimSpace(sdp) == "" {
		return calls.Session{}, fmt.Errorf("%w: sdp is required", calls.ErrInvalidArgument)
	}
	res, err := m.mutate(ctx, sessionID, senderID, "submit answer", func(s *calls.Session, now time.Time) (bool, error) {
		if s.Status != calls.StatusRinging {
			return false, &calls.StateError{Op: "submit answer", Current: s.Status}
		}
		if _, err := m.cache.PutAnswer(s.ID, exchange.Description{Type: webrtc.SDPTypeAnswer, SDP: sdp, SenderID: senderID, ReceivedAt: now}); err != nil {
			return false, err
		}
		v := sdp
		s.AnswerSDP = &v
		connected := now
		s.ConnectedAt = &connected
		s.Status = calls.StatusConnected
		return true, nil
	})
	if err != nil {
		return calls.Session{}, err
	}
	m.publish(ctx, Event{Type: EventAnswer, SessionID: sessionID, SenderID: senderID, SDP: sdp, SDPType: webrtc.SDPTypeAnswer.String(), Status: res.Status, At: res.UpdatedAt})
	return res, nil
}

// RelayICE queues a candidate for the peer. Candidates for unknown or finished
// sessions are dropped without error; delivered reports whether it was queued.
func (m *Manager) RelayICE(ctx context.Context, sessionID, senderID string, cand webrtc.ICECandidateInit) (delivered bool, err error) {
	e, err := m.lookup(ctx, sessionID)
	if errors.Is(err, calls.ErrNotFound) {
		m.log.Debug("candidate dropped", "op", "relay ice", "session_id", sessionID, "cause", "unknown session")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := m.now().UTC()
	e.mu.Lock()
	status := e.s.Status
	if status.IsTerminal() {
		e.mu.Unlock()
		m.log.Debug("candidate dropped", "op", "relay ice", "session_id", sessionID, "status", status)
		return false, nil
	}
	if status != calls.StatusRinging && status != calls.StatusConnected {
		e.mu.Unlock()
		return false, &calls.StateError{Op: "relay ice", Current: status}
	}
	dropped, err := m.cache.PushICE(sessionID, exchange.Candidate{ICECandidateInit: cand, SenderID: senderID, ReceivedAt: now})
	e.mu.Unlock()
	if err != nil {
		if errors.Is(err, exchange.ErrNoMailbox) {
			return false, nil
		}
		return false, err
	}
	if dropped > 0 {
		m.log.Warn("ice queue full, oldest candidates dropped", "session_id", sessionID, "dropped", dropped)
	}

	c := cand
	m.publish(ctx, Event{Type: EventCandidate, SessionID: sessionID, SenderID: senderID, Candidate: &c, Status: status, At: now})
	return true, nil
}

// EndSession finishes a non-terminal session as ENDED. reason defaults to USER_ENDED.
func (m *Manager) EndSession(ctx context.Context, sessionID, actorID, reason string) (calls.Session, error) {
	if reason == "" {
		reason = calls.ReasonUserEnded
	}
	return m.finish(ctx, sessionID, actorID, "end session", calls.StatusEnded, reason)
}

// FailSession finishes a non-terminal session as FAILED. reason defaults to ERROR.
func (m *Manager) FailSession(ctx context.Context, sessionID, actorID, reason string) (calls.Session, error) {
	if reason == "" {
		reason = calls.ReasonError
	}
	return m.finish(ctx, sessionID, actorID, "fail session", calls.StatusFailed, reason)
}

func (m *Manager) finish(ctx context.Context, sessionID, actorID, op string, status calls.Status, reason string) (calls.Session, error) {
	res, err := m.mutate(ctx, sessionID, actorID, op, func(s *calls.Session, now time.Time) (bool, error) {
		if !calls.CanTransition(s.Status, status) {
			return false, &calls.StateError{Op: op, Current: s.Status}
		}
		s.Finish(status, reason, now)
		m.cache.Destroy(s.ID)
		return true, nil
	})
	if err != nil {
		return calls.Session{}, err
	}
	m.log.Info("session finished",
		"op", op,
		"session_id", res.ID,
		"status", res.Status,
		"reason", res.EndReason,
		"duration_seconds", res.Duration(),
	)
	m.publish(ctx, terminalEvent(res))
	return res, nil
}

// QualityReport is a client-supplied network quality snapshot.
type QualityReport struct {
	NetworkType string
	Metrics     string
}

// ReportQuality stores the latest quality snapshot. Allowed once the call connected.
func (m *Manager) ReportQuality(ctx context.Context, sessionID, reporterID string, q QualityReport) (calls.Session, error) {
	return m.mutate(ctx, sessionID, reporterID, "report quality", func(s *calls.Session, now time.Time) (bool, error) {
		if s.Status != calls.StatusConnected && s.Status != calls.StatusEnded {
			return false, &calls.StateError{Op: "report quality", Current: s.Status}
		}
		s.Quality = &calls.Quality{NetworkType: q.NetworkType, Metrics: q.Metrics, ReportedBy: reporterID, ReportedAt: now}
		return true, nil
	})
}

// GetSession returns the current session snapshot.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (calls.Session, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return calls.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// TakeOffer returns and clears the pending offer on behalf of readerID. ok is
// false when nothing is pending for the reader, including for finished sessions.
// An empty readerID reads regardless of sender.
func (m *Manager) TakeOffer(ctx context.Context, sessionID, readerID string) (d exchange.Description, ok bool, err error) {
	err = m.read(ctx, sessionID, func() error {
		d, ok, err = m.cache.TakeOfferFor(sessionID, readerID)
		return err
	})
	return d, ok, err
}

func (m *Manager) TakeAnswer(ctx context.Context, sessionID, readerID string) (d exchange.Description, ok bool, err error) {
	err = m.read(ctx, sessionID, func() error {
		d, ok, err = m.cache.TakeAnswerFor(sessionID, readerID)
		return err
	})
	return d, ok, err
}

// DrainICE returns the queued candidates addressed to recipientID (every
// candidate it did not send). The result is never nil.
func (m *Manager) DrainICE(ctx context.Context, sessionID, recipientID string) ([]exchange.Candidate, error) {
	out := []exchange.Candidate{}
	err := m.read(ctx, sessionID, func() error {
		got, err := m.cache.DrainICEFor(sessionID, recipientID)
		if err != nil {
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// read runs a destructive mailbox read under the session lock. Finished
// sessions and missing mailboxes read as empty.
func (m *Manager) read(ctx context.Context, sessionID string, fn func() error) error {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.IsTerminal() {
		return nil
	}
	if err := fn(); err != nil && !errors.Is(err, exchange.ErrNoMailbox) {
		return err
	}
	return nil
}

// mutateAttempts bounds how often a mutation is re-applied after losing a
// version race to another instance.
const mutateAttempts = 3

// mutate applies fn to the session under its lock. fn reports whether the
// change must be persisted. Persistence, audit and cleanup follow after unlock.
// When the store reports that another writer moved the record on, fn is
// applied again to the reloaded record, so its guards see the real status.
func (m *Manager) mutate(ctx context.Context, sessionID, actorID, op string, fn func(s *calls.Session, now time.Time) (bool, error)) (calls.Session, error) {
	for attempt := 1; ; attempt++ {
		e, err := m.lookup(ctx, sessionID)
		if err != nil {
			return calls.Session{}, err
		}

		now := m.now().UTC()
		e.mu.Lock()
		from := e.s.Status
		dirty, err := fn(&e.s, now)
		if err != nil {
			e.mu.Unlock()
			return calls.Session{}, err
		}
		if dirty {
			e.s.Version++
			e.s.Revision = uuid.NewString()
			e.s.UpdatedAt = now
		}
		snap := e.s.Clone()
		gen := e.gen
		e.mu.Unlock()

		if !dirty {
			return snap, nil
		}
		m.persist(ctx, e, op)

		e.mu.Lock()
		lost := e.gen != gen
		e.mu.Unlock()
		if lost {
			if attempt < mutateAttempts {
				continue
			}
			return calls.Session{}, fmt.Errorf("%s: %w", op, calls.ErrVersionConflict)
		}

		if from != snap.Status {
			m.record(ctx, calls.Transition{
				SessionID: snap.ID,
				ActorID:   actorID,
				From:      from,
				To:        snap.Status,
				Reason:    snap.EndReason,
				At:        now,
			})
		}
		return snap, nil
	}
}

// lookup resolves a session entry, loading it from the store when this
// process has not seen it (for example after a restart). Finished sessions
// are returned detached and never re-registered.
func (m *Manager) lookup(ctx context.Context, sessionID string) (*entry, error) {
	if sessionID == "" {
		return nil, calls.ErrNotFound
	}
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return nil, calls.ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.Status.IsTerminal() {
		return &entry{s: s, persisted: s.Version}, nil
	}
	return m.register(&entry{s: s, persisted: s.Version}), nil
}

// adopt registers an active session found in the store and returns it.
func (m *Manager) adopt(s calls.Session) (calls.Session, bool, error) {
	if s.Status.IsTerminal() {
		return calls.Session{}, false, nil
	}
	e := m.register(&entry{s: s, persisted: s.Version})
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.IsTerminal() {
		return calls.Session{}, false, nil
	}
	return e.s.Clone(), true, nil
}

// register adds e unless another entry for the same id won the race; the
// registered entry is returned. Registration opens the session's mailbox.
func (m *Manager) register(e *entry) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[e.s.ID]; ok {
		return cur
	}
	m.sessions[e.s.ID] = e
	m.byContext[e.s.ContextID] = e.s.ID
	m.cache.Open(e.s.ID)
	return e
}

// forget drops a finished session from the registry.
func (m *Manager) forget(e *entry) {
	e.mu.Lock()
	id, contextID := e.s.ID, e.s.ContextID
	e.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] != e {
		return
	}
	delete(m.sessions, id)
	if m.byContext[contextID] == id {
		delete(m.byContext, contextID)
	}
	m.cache.Destroy(id)
}

func (m *Manager) activeByContext(contextID string) (calls.Session, bool) {
	m.mu.Lock()
	id, ok := m.byContext[contextID]
	e := m.sessions[id]
	m.mu.Unlock()
	if !ok || e == nil {
		return calls.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.IsTerminal() {
		return calls.Session{}, false
	}
	return e.s.Clone(), true
}

// Active returns the number of sessions currently registered in this process.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if m.pub == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("event encode failed", "session_id", ev.SessionID, "type", ev.Type, "err", err)
		return
	}
	if err := m.pub.Publish(context.WithoutCancel(ctx), Topic(ev.SessionID), payload); err != nil {
		m.log.Warn("event publish failed", "session_id", ev.SessionID, "type", ev.Type, "err", err)
	}
}

func (m *Manager) record(ctx context.Context, t calls.Transition) {
	if m.rec == nil {
		return
	}
	if err := m.rec.RecordTransition(context.WithoutCancel(ctx), t); err != nil {
		m.log.Warn("audit append failed", "session_id", t.SessionID, "to", t.To, "err", err)
	}
}
