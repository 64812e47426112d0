package audit

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Reader is implemented by repositories that can replay a session's trail.
type Reader interface {
	ListBySession(ctx context.Context, sessionID string) ([]Event, error)
}

// Service records session lifecycle transitions.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	// ErrHistoryUnavailable is returned when the repository is write-only.
	ErrHistoryUnavailable = errors.New("audit: history not available")
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.SessionID == "" || e.To == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return s.repo.Append(ctx, e)
}

// RecordTransition appends the audit event for a committed status change.
func (s *Service) RecordTransition(ctx context.Context, t calls.Transition) error {
	return s.Append(ctx, Event{
		SessionID: t.SessionID,
		Type:      typeFor(t),
		ActorID:   t.ActorID,
		From:      t.From,
		To:        t.To,
		Reason:    t.Reason,
		CreatedAt: t.At,
	})
}

// History returns the session's events in the order they were recorded.
func (s *Service) History(ctx context.Context, sessionID string) ([]Event, error) {
	if sessionID == "" {
		return nil, ErrInvalidEvent
	}
	r, ok := s.repo.(Reader)
	if !ok {
		return nil, ErrHistoryUnavailable
	}
	return r.ListBySession(ctx, sessionID)
}
