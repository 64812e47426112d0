package audit

import (
	"context"
	"log/slog"
)

// LogRepo writes each event to the structured log and then hands it to next,
// when set. Reads are served by next.
type LogRepo struct {
	log  *slog.Logger
	next Repository
}

func NewLogRepo(log *slog.Logger, next Repository) *LogRepo {
	if log == nil {
		log = slog.Default()
	}
	return &LogRepo{log: log.With("component", "audit"), next: next}
}

func (r *LogRepo) Append(ctx context.Context, e Event) error {
	r.log.InfoContext(ctx, "call audit",
		"event_id", e.ID,
		"type", e.Type,
		"session_id", e.SessionID,
		"actor_id", e.ActorID,
		"from", e.From,
		"to", e.To,
		"reason", e.Reason,
		"at", e.CreatedAt,
	)
	if r.next == nil {
		return nil
	}
	return r.next.Append(ctx, e)
}

func (r *LogRepo) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rd, ok := r.next.(Reader)
	if !ok {
		return nil, ErrHistoryUnavailable
	}
	return rd.ListBySession(ctx, sessionID)
}
