package signaling

import (
	"time"

	"call-signaling/internal/calls"

	"github.com/pion/webrtc/v4"
)

// Event types published on a session topic.
const (
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "candidate"
	EventEnded     = "ended"
	EventExpired   = "expired"
	EventFailed    = "failed"
)

// Event is the push payload for one committed signaling step.
type Event struct {
	Type            string                   `json:"type"`
	SessionID       string                   `json:"sessionId"`
	SenderID        string                   `json:"senderId,omitempty"`
	SDP             string                   `json:"sdp,omitempty"`
	SDPType         string                   `json:"sdpType,omitempty"`
	Candidate       *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Status          calls.Status             `json:"status,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
	DurationSeconds *int                     `json:"durationSeconds,omitempty"`
	At              time.Time                `json:"at"`
}

// Topic is the broker topic carrying events for one session.
func Topic(sessionID string) string { return "calls." + sessionID }

func terminalEvent(s calls.Session) Event {
	typ := EventEnded
	switch s.Status {
	case calls.StatusExpired:
		typ = EventExpired
	case calls.StatusFailed:
		typ = EventFailed
	}
	ev := Event{
		Type:            typ,
		SessionID:       s.ID,
		Status:          s.Status,
		Reason:          s.EndReason,
		DurationSeconds: s.DurationSeconds,
	}
	if s.EndedAt != nil {
		ev.At = *s.EndedAt
	}
	return ev
}
