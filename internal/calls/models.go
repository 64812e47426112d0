package calls

import "time"

// Session is a brokered peer-to-peer call between two parties.
//
// Invariants:
// - OfferSDP set => Status is RINGING or later.
// - AnswerSDP set => Status reached CONNECTED.
// - EndedAt set <=> Status is terminal.
// - DurationSeconds is set iff both ConnectedAt and EndedAt are set.
//
// Status transitions are owned by the signaling manager; nothing else mutates a Session.
type Session struct {
	ID        string `json:"id" bson:"_id" db:"id"`
	ContextID string `json:"context_id" bson:"context_id" db:"context_id"`

	PartyA Party `json:"party_a" bson:"party_a"`
	PartyB Party `json:"party_b" bson:"party_b"`

	CallType    CallType `json:"call_type" bson:"call_type" db:"call_type"`
	InitiatorID string   `json:"initiator_id,omitempty" bson:"initiator_id,omitempty" db:"initiator_id"`

	Status Status `json:"status" bson:"status" db:"status"`

	OfferSDP  *string `json:"-" bson:"offer_sdp,omitempty" db:"offer_sdp"`
	AnswerSDP *string `json:"-" bson:"answer_sdp,omitempty" db:"answer_sdp"`

	Relay RelayCredentials `json:"relay" bson:"relay"`

	CreatedAt   time.Time  `json:"created_at" bson:"created_at" db:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" bson:"connected_at,omitempty" db:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty" db:"ended_at"`
	ExpiresAt   time.Time  `json:"expires_at" bson:"expires_at" db:"expires_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at" db:"updated_at"`

	EndReason       string `json:"end_reason,omitempty" bson:"end_reason,omitempty" db:"end_reason"`
	DurationSeconds *int   `json:"duration_seconds,omitempty" bson:"duration_seconds,omitempty" db:"duration_seconds"`

	Quality *Quality `json:"quality,omitempty" bson:"quality,omitempty"`

	// Version increases on every committed change. Stores accept a write only
	// over the version its writer last saw.
	Version int64 `json:"version" bson:"version" db:"version"`
	// Revision is unique per committed change, so a writer can tell its own
	// write from another writer's at the same Version.
	Revision string `json:"-" bson:"revision,omitempty" db:"revision"`
}

// Party is one side of a call. Roles are symmetric; which party offers is up to the clients.
type Party struct {
	ID    string `json:"id" bson:"id"`
	Email string `json:"email,omitempty" bson:"email,omitempty"`
}

// RelayCredentials is the relay-server configuration issued to both parties of a session.
// ExpiresAt is independent of the session's own expiry.
type RelayCredentials struct {
	Servers   []ICEServer `json:"ice_servers" bson:"servers"`
	Username  string      `json:"username,omitempty" bson:"username,omitempty"`
	ExpiresAt time.Time   `json:"expires_at" bson:"expires_at"`
}

// ICEServer mirrors the browser RTCIceServer shape.
type ICEServer struct {
	URLs       []string `json:"urls" bson:"urls"`
	Username   string   `json:"username,omitempty" bson:"username,omitempty"`
	Credential string   `json:"credential,omitempty" bson:"credential,omitempty"`
}

// Quality is the latest client-reported quality snapshot.
type Quality struct {
	NetworkType string    `json:"network_type,omitempty" bson:"network_type,omitempty"`
	Metrics     string    `json:"metrics,omitempty" bson:"metrics,omitempty"`
	ReportedBy  string    `json:"reported_by,omitempty" bson:"reported_by,omitempty"`
	ReportedAt  time.Time `json:"reported_at" bson:"reported_at"`
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// End reasons used by the core. Clients may supply their own for end/fail.
const (
	ReasonUserEnded = "USER_ENDED"
	ReasonUserLeft  = "USER_LEFT"
	ReasonTimeout   = "TIMEOUT"
	ReasonError     = "ERROR"
)

// HasParty reports whether userID is one of the session's parties.
func (s Session) HasParty(userID string) bool {
	return userID != "" && (s.PartyA.ID == userID || s.PartyB.ID == userID)
}

// Peer returns the party opposite to userID.
func (s Session) Peer(userID string) (Party, bool) {
	switch userID {
	case s.PartyA.ID:
		return s.PartyB, true
	case s.PartyB.ID:
		return s.PartyA, true
	default:
		return Party{}, false
	}
}

// Clone returns a deep copy; pointer fields are not shared with the receiver.
func (s Session) Clone() Session {
	out := s
	out.OfferSDP = cloneString(s.OfferSDP)
	out.AnswerSDP = cloneString(s.AnswerSDP)
	out.ConnectedAt = cloneTime(s.ConnectedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	if s.DurationSeconds != nil {
		d := *s.DurationSeconds
		out.DurationSeconds = &d
	}
	if s.Quality != nil {
		q := *s.Quality
		out.Quality = &q
	}
	if s.Relay.Servers != nil {
		out.Relay.Servers = make([]ICEServer, len(s.Relay.Servers))
		for i, srv := range s.Relay.Servers {
			srv.URLs = append([]string(nil), srv.URLs...)
			out.Relay.Servers[i] = srv
		}
	}
	return out
}

// Finish moves the session into a terminal status at now and derives the duration.
// Callers must have checked that the transition is allowed.
func (s *Session) Finish(status Status, reason string, now time.Time) {
	ended := now.UTC()
	s.Status = status
	s.EndedAt = &ended
	s.EndReason = reason
	s.DurationSeconds = nil
	if s.ConnectedAt != nil {
		d := int(ended.Sub(*s.ConnectedAt) / time.Second)
		if d < 0 {
			d = 0
		}
		s.DurationSeconds = &d
	}
}

// Duration returns DurationSeconds or 0 when the call never connected.
func (s Session) Duration() int {
	if s.DurationSeconds == nil {
		return 0
	}
	return *s.DurationSeconds
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
