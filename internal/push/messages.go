package push

import (
	"encoding/json"
	"errors"

	"call-signaling/internal/calls"
	"call-signaling/internal/signaling"

	"github.com/pion/webrtc/v4"
)

// Client message types.
const (
	MessageOffer     = "offer"
	MessageAnswer    = "answer"
	MessageCandidate = "candidate"
	MessageLeave     = "leave"
	MessageEnd       = "end"
)

// Server frame types. Session events are forwarded as published and carry their own types.
const (
	FrameReady = "ready"
	FrameAck   = "ack"
	FrameError = "error"
)

// ClientMessage is one inbound frame from a party.
type ClientMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
}

// ServerMessage is an outbound frame that is not a forwarded session event.
type ServerMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Op        string       `json:"op,omitempty"`
	Status    calls.Status `json:"status,omitempty"`

	Delivered       *bool `json:"delivered,omitempty"`
	DurationSeconds *int  `json:"durationSeconds,omitempty"`

	IceServers []calls.ICEServer `json:"iceServers,omitempty"`

	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	State   calls.Status `json:"state,omitempty"`
}

var errMissingType = errors.New("message type is required")

func parseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	if msg.Type == "" {
		return ClientMessage{}, errMissingType
	}
	return msg, nil
}

// eventHead is the part of a published event the adapter routes on.
type eventHead struct {
	Type      string `json:"type"`
	SenderID  string `json:"senderId"`
	SDP       string `json:"sdp"`
	Candidate *struct {
		Candidate string `json:"candidate"`
	} `json:"candidate"`
}

func (h eventHead) key() string {
	cand := ""
	if h.Candidate != nil {
		cand = h.Candidate.Candidate
	}
	return payloadKey(h.Type, h.SDP, cand)
}

// payloadKey identifies a signaling payload so one flushed from the mailbox
// is not forwarded a second time when its live event arrives.
func payloadKey(typ, sdp, candidate string) string {
	switch typ {
	case signaling.EventOffer, signaling.EventAnswer:
		return typ + "\x00" + sdp
	case signaling.EventCandidate:
		return typ + "\x00" + candidate
	}
	return ""
}

func isTerminalEvent(typ string) bool {
	switch typ {
	case signaling.EventEnded, signaling.EventExpired, signaling.EventFailed:
		return true
	default:
		return false
	}
}
