package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/pkg/utils"
)

// Schema creates the call_sessions table.
//
// The partial unique index enforces at most one active session per context
// across every instance sharing the database.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id               TEXT PRIMARY KEY,
	context_id       TEXT NOT NULL,
	party_a_id       TEXT NOT NULL,
	party_b_id       TEXT NOT NULL,
	party_a          JSONB NOT NULL,
	party_b          JSONB NOT NULL,
	call_type        TEXT NOT NULL,
	initiator_id     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	offer_sdp        TEXT,
	answer_sdp       TEXT,
	relay            JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	connected_at     TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	end_reason       TEXT,
	duration_seconds INT,
	quality          JSONB,
	version          BIGINT NOT NULL,
	revision         TEXT NOT NULL DEFAULT ''
);
ALTER TABLE call_sessions ADD COLUMN IF NOT EXISTS revision TEXT NOT NULL DEFAULT '';
CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_active_context
	ON call_sessions (context_id) WHERE status IN ('INITIATED', 'RINGING', 'CONNECTED');
CREATE INDEX IF NOT EXISTS call_sessions_expires_at ON call_sessions (expires_at)
	WHERE status IN ('INITIATED', 'RINGING', 'CONNECTED');
CREATE INDEX IF NOT EXISTS call_sessions_party_a ON call_sessions (party_a_id, created_at);
CREATE INDEX IF NOT EXISTS call_sessions_party_b ON call_sessions (party_b_id, created_at);
`

const sessionColumns = `id, context_id, party_a, party_b, call_type, initiator_id, status,
offer_sdp, answer_sdp, relay, created_at, connected_at, ended_at, expires_at, updated_at,
end_reason, duration_seconds, quality, version, revision`

// Postgres stores sessions in the call_sessions table via database/sql (pgx stdlib driver).
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// EnsureSchema applies Schema in a single transaction.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, Schema)
		return err
	})
}

func (p *Postgres) Create(ctx context.Context, s calls.Session) (string, error) {
	if s.ID == "" {
		return "", calls.ErrInvalidArgument
	}
	row, err := toRow(s)
	if err != nil {
		return "", err
	}
	const q = `
INSERT INTO call_sessions (
	id, context_id, party_a_id, party_b_id, party_a, party_b, call_type, initiator_id, status,
	offer_sdp, answer_sdp, relay, created_at, connected_at, ended_at, expires_at, updated_at,
	end_reason, duration_seconds, quality, version, revision
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
`
	_, err = p.db.ExecContext(ctx, q,
		s.ID, s.ContextID, s.PartyA.ID, s.PartyB.ID, row.partyA, row.partyB, string(s.CallType), s.InitiatorID, string(s.Status),
		s.OfferSDP, s.AnswerSDP, row.relay, s.CreatedAt, s.ConnectedAt, s.EndedAt, s.ExpiresAt, s.UpdatedAt,
		nullString(s.EndReason), s.DurationSeconds, row.quality, s.Version, s.Revision,
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			return "", ErrConflict
		}
		return "", err
	}
	return s.ID, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (calls.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	s, err := scanSession(p.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Session{}, calls.ErrNotFound
		}
		return calls.Session{}, err
	}
	return s, nil
}

// Update writes s only if the stored row still holds version prev.
func (p *Postgres) Update(ctx context.Context, s calls.Session, prev int64) error {
	row, err := toRow(s)
	if err != nil {
		return err
	}
	const q = `
UPDATE call_sessions SET
	status = $2, offer_sdp = $3, answer_sdp = $4, relay = $5, connected_at = $6, ended_at = $7,
	expires_at = $8, updated_at = $9, end_reason = $10, duration_seconds = $11, quality = $12, version = $13,
	revision = $14
WHERE id = $1 AND version = $15
`
	res, err := p.db.ExecContext(ctx, q,
		s.ID, string(s.Status), s.OfferSDP, s.AnswerSDP, row.relay, s.ConnectedAt, s.EndedAt,
		s.ExpiresAt, s.UpdatedAt, nullString(s.EndReason), s.DurationSeconds, row.quality, s.Version, s.Revision, prev,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing updated: either the row is missing or another writer moved it on.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return calls.ErrNotFound
	}
	return calls.ErrVersionConflict
}

func (p *Postgres) FindExpiredBefore(ctx context.Context, t time.Time) ([]calls.Session, error) {
	q := `SELECT ` + sessionColumns + `
FROM call_sessions
WHERE status IN ('INITIATED', 'RINGING', 'CONNECTED') AND expires_at < $1
ORDER BY created_at`
	return p.list(ctx, q, t)
}

func (p *Postgres) FindActiveByContext(ctx context.Context, contextID string) (calls.Session, error) {
	q := `SELECT ` + sessionColumns + `
FROM call_sessions
WHERE context_id = $1 AND status IN ('INITIATED', 'RINGING', 'CONNECTED')
ORDER BY created_at DESC
LIMIT 1`
	s, err := scanSession(p.db.QueryRowContext(ctx, q, contextID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Session{}, calls.ErrNotFound
		}
		return calls.Session{}, err
	}
	return s, nil
}

func (p *Postgres) ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]calls.Session, error) {
	q := `SELECT ` + sessionColumns + `
FROM call_sessions
WHERE (party_a_id = $1 OR party_b_id = $1) AND created_at >= $2 AND created_at < $3
ORDER BY created_at`
	return p.list(ctx, q, partyID, from, to)
}

func (p *Postgres) list(ctx context.Context, q string, args ...any) ([]calls.Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calls.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (calls.Session, error) {
	var (
		s                     calls.Session
		partyA, partyB, relay []byte
		quality               []byte
		callType, status      string
		offer, answer, reason sql.NullString
		connected, ended      sql.NullTime
		duration              sql.NullInt64
	)
	if err := r.Scan(
		&s.ID,
		&s.ContextID,
		&partyA,
		&partyB,
		&callType,
		&s.InitiatorID,
		&status,
		&offer,
		&answer,
		&relay,
		&s.CreatedAt,
		&connected,
		&ended,
		&s.ExpiresAt,
		&s.UpdatedAt,
		&reason,
		&duration,
		&quality,
		&s.Version,
		&s.Revision,
	); err != nil {
		return calls.Session{}, err
	}

	s.CallType = calls.CallType(callType)
	s.Status = calls.Status(status)
	if offer.Valid {
		s.OfferSDP = &offer.String
	}
	if answer.Valid {
		s.AnswerSDP = &answer.String
	}
	if connected.Valid {
		t := connected.Time.UTC()
		s.ConnectedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		s.EndedAt = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.DurationSeconds = &d
	}
	s.EndReason = reason.String
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()

	if err := json.Unmarshal(partyA, &s.PartyA); err != nil {
		return calls.Session{}, fmt.Errorf("decode party_a: %w", err)
	}
	if err := json.Unmarshal(partyB, &s.PartyB); err != nil {
		return calls.Session{}, fmt.Errorf("decode party_b: %w", err)
	}
	if err := json.Unmarshal(relay, &s.Relay); err != nil {
		return calls.Session{}, fmt.Errorf("decode relay: %w", err)
	}
	if len(quality) > 0 {
		var q calls.Quality
		if err := json.Unmarshal(quality, &q); err != nil {
			return calls.Session{}, fmt.Errorf("decode quality: %w", err)
		}
		s.Quality = &q
	}
	return s, nil
}

type jsonColumns struct {
	partyA, partyB, relay []byte
	quality               []byte
}

func toRow(s calls.Session) (jsonColumns, error) {
	var (
		out jsonColumns
		err error
	)
	if out.partyA, err = json.Marshal(s.PartyA); err != nil {
		return jsonColumns{}, err
	}
	if out.partyB, err = json.Marshal(s.PartyB); err != nil {
		return jsonColumns{}, err
	}
	if out.relay, err = json.Marshal(s.Relay); err != nil {
		return jsonColumns{}, err
	}
	if s.Quality != nil {
		if out.quality, err = json.Marshal(s.Quality); err != nil {
			return jsonColumns{}, err
		}
	}
	return out, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
