package audit

import (
	"context"
	"database/sql"

	"call-signaling/internal/calls"
	"call-signaling/pkg/utils"
)

// Schema creates the insert-only call_audit_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS call_audit_events (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_audit_events_session ON call_audit_events (session_id, created_at);
`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, Schema)
		return err
	})
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO call_audit_events (id, session_id, type, actor_id, from_status, to_status, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.SessionID, string(e.Type), e.ActorID, string(e.From), string(e.To), e.Reason, e.CreatedAt)
	return err
}

func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, type, actor_id, from_status, to_status, reason, created_at
FROM call_audit_events
WHERE session_id = $1
ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e        Event
			typ      string
			from, to string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &typ, &e.ActorID, &from, &to, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.From, e.To = calls.Status(from), calls.Status(to)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
