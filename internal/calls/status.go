package calls

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusRinging   Status = "RINGING"
	StatusConnected Status = "CONNECTED"
	StatusEnded     Status = "ENDED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusConnected, StatusEnded, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusExpired || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the session state machine.
//
//	INITIATED -> RINGING -> CONNECTED -> ENDED
//	INITIATED/RINGING/CONNECTED -> ENDED | EXPIRED | FAILED
//	RINGING -> RINGING (repeated offer)
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusRinging:
		return from == StatusInitiated || from == StatusRinging
	case StatusConnected:
		return from == StatusRinging
	case StatusEnded, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}
