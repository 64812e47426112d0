package audit

import (
	"time"

	"call-signaling/internal/calls"
)

// Event is an immutable, append-only record of one session status change.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id, from and to are always set.
// - Audit is best-effort; a failed append never blocks or rolls back a transition.
type Event struct {
	ID        string `json:"id" bson:"_id" db:"id"`
	SessionID string `json:"session_id" bson:"session_id" db:"session_id"`

	Type EventType `json:"type" bson:"type" db:"type"`

	// ActorID is the party causing the change; empty for the sweeper.
	ActorID string `json:"actor_id,omitempty" bson:"actor_id,omitempty" db:"actor_id"`

	From   calls.Status `json:"from" bson:"from" db:"from_status"`
	To     calls.Status `json:"to" bson:"to" db:"to_status"`
	Reason string       `json:"reason,omitempty" bson:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" bson:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCreated    EventType = "session_created"
	EventTypeTransition EventType = "session_transition"
	EventTypeTerminated EventType = "session_terminated"
)

// typeFor classifies a transition by its target status.
func typeFor(t calls.Transition) EventType {
	switch {
	case t.From == "":
		return EventTypeCreated
	case t.To.IsTerminal():
		return EventTypeTerminated
	default:
		return EventTypeTransition
	}
}
