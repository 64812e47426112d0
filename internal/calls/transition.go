package calls

import "time"

// Transition describes one committed status change, for the audit trail.
type Transition struct {
	SessionID string
	ActorID   string
	From      Status
	To        Status
	Reason    string
	At        time.Time
}
