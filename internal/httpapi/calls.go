package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/rbac"
	"call-signaling/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

type createCallRequest struct {
	ContextID  string      `json:"context_id"`
	PartyA     calls.Party `json:"party_a"`
	PartyB     calls.Party `json:"party_b"`
	TTLSeconds int         `json:"ttl_seconds"`
	CallType   string      `json:"call_type"`
}

// sessionSummary is the client view of a session. Relay credentials are only
// included for the session's parties.
type sessionSummary struct {
	SessionID   string       `json:"session_id"`
	ContextID   string       `json:"context_id"`
	PartyA      calls.Party  `json:"party_a"`
	PartyB      calls.Party  `json:"party_b"`
	CallType    string       `json:"call_type"`
	InitiatorID string       `json:"initiator_id,omitempty"`
	Status      calls.Status `json:"status"`

	IceServers     []calls.ICEServer `json:"ice_servers,omitempty"`
	RelayExpiresAt *time.Time        `json:"relay_expires_at,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	EndReason       string     `json:"end_reason,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`

	SignalingPath string `json:"signaling_path"`
	PushPath      string `json:"push_path"`
}

func summarize(s calls.Session, viewerID string) sessionSummary {
	out := sessionSummary{
		SessionID:       s.ID,
		ContextID:       s.ContextID,
		PartyA:          s.PartyA,
		PartyB:          s.PartyB,
		CallType:        string(s.CallType),
		InitiatorID:     s.InitiatorID,
		Status:          s.Status,
		CreatedAt:       s.CreatedAt,
		ConnectedAt:     s.ConnectedAt,
		EndedAt:         s.EndedAt,
		ExpiresAt:       s.ExpiresAt,
		EndReason:       s.EndReason,
		DurationSeconds: s.DurationSeconds,
		SignalingPath:   "/v1/calls/" + s.ID + "/signaling",
		PushPath:        "/v1/calls/" + s.ID + "/ws",
	}
	if s.HasParty(viewerID) && !s.Status.IsTerminal() {
		exp := s.Relay.ExpiresAt
		out.IceServers = s.Relay.Servers
		out.RelayExpiresAt = &exp
	}
	return out
}

// CreateCall creates a session, or returns the active one for the same context.
// The caller must be one of the parties unless they are an admin.
func (h Handlers) CreateCall(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.TTLSeconds < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must not be negative"})
		return
	}
	req.PartyA.ID = strings.TrimSpace(req.PartyA.ID)
	req.PartyB.ID = strings.TrimSpace(req.PartyB.ID)
	if !rbac.CanAccessParty(p.Role, p.UserID, req.PartyA.ID, req.PartyB.ID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "caller must be a party"})
		return
	}
	initiator := ""
	if p.UserID == req.PartyA.ID || p.UserID == req.PartyB.ID {
		initiator = p.UserID
		// Fill the caller's contact from the token when the body omits it.
		if p.UserID == req.PartyA.ID && req.PartyA.Email == "" {
			req.PartyA.Email = p.Email
		}
		if p.UserID == req.PartyB.ID && req.PartyB.Email == "" {
			req.PartyB.Email = p.Email
		}
	}

	s, created, err := h.Calls.CreateSession(c.Request.Context(), signaling.CreateRequest{
		ContextID:   req.ContextID,
		PartyA:      req.PartyA,
		PartyB:      req.PartyB,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		CallType:    calls.CallType(strings.ToLower(strings.TrimSpace(req.CallType))),
		InitiatorID: initiator,
	})
	if err != nil {
		abortWithError(c, "create call", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, summarize(s, p.UserID))
}

func (h Handlers) GetCall(c *gin.Context) {
	s, p, ok := h.authorize(c, accessRead)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, summarize(s, p.UserID))
}

// IssuePushTicket returns a short-lived ticket for opening the session's push
// connection, since browsers cannot send the bearer header on upgrades.
func (h Handlers) IssuePushTicket(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	s, p, ok := h.authorize(c, accessParty)
	if !ok {
		return
	}
	if s.Status.IsTerminal() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session is finished", "state": s.Status})
		return
	}
	ticket, exp, err := h.Auth.IssuePushTicket(h.now(), auth.Claims{UserID: p.UserID, Email: p.Email, Role: p.Role}, s.ID)
	if err != nil {
		abortWithError(c, "issue push ticket", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ticket":     ticket,
		"expires_at": exp,
		"push_path":  "/v1/calls/" + s.ID + "/ws?ticket=" + ticket,
	})
}

// --- Signaling (poll transport) ---

type sdpRequest struct {
	SDP string `json:"sdp"`
}

func (h Handlers) SubmitOffer(c *gin.Context) {
	h.submitDescription(c, "submit offer", h.Calls.SubmitOffer)
}

func (h Handlers) SubmitAnswer(c *gin.Context) {
	h.submitDescription(c, "submit answer", h.Calls.SubmitAnswer)
}

func (h Handlers) submitDescription(c *gin.Context, op string, submit func(ctx context.Context, sessionID, senderID, sdp string) (calls.Session, error)) {
	s, p, ok := h.authorize(c, accessParty)
	if !ok {
		return
	}
	var req sdpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := submit(c.Request.Context(), s.ID, p.UserID, req.SDP)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": res.ID, "status": res.Status})
}

// TakeOffer returns the pending offer once; 204 when nothing is pending.
func (h Handlers) TakeOffer(c *gin.Context) {
	s, p, ok := h.authorize(c, accessParty)
	if !ok {
		return
	}
	d, found, err := h.Calls.TakeOffer(c.Request.Context(), s.ID, p.UserID)
	if err != nil {
		abortWithError(c, "take offer", err)
		return
	}
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) TakeAnswer(c *gin.Context) {
	s, p, ok := h.authorize(c, accessParty)
	if !ok {
		return
	}
	d, found, err := h.Calls.TakeAnswer(c.Request.Context(), s.ID, p.UserID)
	if err != nil {
		abortWithError(c, "take answer", err)
		return
	}
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RelayICE accepts a trickled candidate. Candidates for unknown or finished
// sessions are acknowledged and dropped.
func (h Handlers) RelayICE(c *gin.Context) {
	var cand webrtc.ICECandidateInit
	if err := c.ShouldBindJSON(&cand); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s, p, ok := h.authorize(c, accessPartyOrMissing)
	if !ok {
		return
	}
	if s.ID == "" {
		c.JSON(http.StatusOK, gin.H{"delivered": false})
		return
	}
	delivered, err := h.Calls.RelayICE(c.Request.Context(), s.ID, p.UserID, cand)
	if err != nil {
		abortWithError(c, "relay ice", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

// DrainICE returns the peer's queued candidates; the list may be empty.
func (h Handlers) DrainICE(c *gin.Context) {
	s, p, ok := h.authorize(c, accessParty)
	if !ok {
		return
	}
	got, err := h.Calls.DrainICE(c.Request.Context(), s.ID, p.UserID)
	if err != nil {
		abortWithError(c, "drain ice", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": got})
}

// --- Lifecycle ---

type finishRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) EndCall(c *gin.Context) {
	h.finish(c, "end session", h.Calls.EndSession)
}

func (h Handlers) FailCall(c *gin.Context) {
	h.finish(c, "fail session", h.Calls.FailSession)
}

func (h Handlers) finish(c *gin.Context, op string, fn func(ctx context.Context, sessionID, actorID, reason string) (calls.Session, error)) {
	s, p, ok := h.authorize(c, accessPartyOrAdmin)
	if !ok {
		return
	}
	var req finishRequest
	// The body is optional.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	res, err := fn(c.Request.Context(), s.ID, p.UserID, strings.TrimSpace(req.Reason))
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":       res.ID,
		"status":           res.Status,
		"end_reason":       res.EndReason,
		"duration_seconds": res.Duration(),
	})
}

// --- Quality ---

type qualityRequest struct {
	NetworkType string `json:"network_type"`
	Metrics     string `json:"metrics"`
}

func (h Handlers) ReportQuality(c *gin.Context) {
	s, p, ok := h.authorize(c, accessParty)
	if !ok {
		return
	}
	var req qualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Calls.ReportQuality(c.Request.Context(), s.ID, p.UserID, signaling.QualityReport{
		NetworkType: strings.TrimSpace(req.NetworkType),
		Metrics:     req.Metrics,
	})
	if err != nil {
		abortWithError(c, "report quality", err)
		return
	}
	c.JSON(http.StatusOK, qualityView(res))
}

// GetQuality is routed behind RequireAnyRole(doctor); admins bypass.
func (h Handlers) GetQuality(c *gin.Context) {
	s, _, ok := h.authorize(c, accessRead)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, qualityView(s))
}

func qualityView(s calls.Session) gin.H {
	out := gin.H{
		"session_id":       s.ID,
		"status":           s.Status,
		"call_type":        s.CallType,
		"duration_seconds": s.Duration(),
		"end_reason":       s.EndReason,
		"network_type":     "",
		"metrics":          "",
	}
	if s.Quality != nil {
		out["network_type"] = s.Quality.NetworkType
		out["metrics"] = s.Quality.Metrics
		out["reported_at"] = s.Quality.ReportedAt
	}
	return out
}

// --- Audit ---

// GetAudit returns the session's lifecycle trail. Routed for admins only.
func (h Handlers) GetAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "audit history not available"})
		return
	}
	s, _, ok := h.authorize(c, accessRead)
	if !ok {
		return
	}
	events, err := h.Audit.History(c.Request.Context(), s.ID)
	if errors.Is(err, audit.ErrHistoryUnavailable) {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "audit history not available"})
		return
	}
	if err != nil {
		abortWithError(c, "audit history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "events": events})
}

// --- Authorization ---

type access int

const (
	// accessRead: a party or an admin.
	accessRead access = iota
	// accessParty: parties only.
	accessParty
	// accessPartyOrAdmin: parties, or an admin acting on the session.
	accessPartyOrAdmin
	// accessPartyOrMissing: parties; an unknown session yields a zero Session instead of 404.
	accessPartyOrMissing
)

// authorize loads the session named by :session_id and checks the caller against it.
// On failure the response has been written.
func (h Handlers) authorize(c *gin.Context, mode access) (calls.Session, principal, bool) {
	p, ok := principalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return calls.Session{}, principal{}, false
	}
	s, err := h.Calls.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		if mode == accessPartyOrMissing && errors.Is(err, calls.ErrNotFound) {
			return calls.Session{}, p, true
		}
		abortWithError(c, "load session", err)
		return calls.Session{}, principal{}, false
	}
	allowed := s.HasParty(p.UserID)
	if mode == accessRead || mode == accessPartyOrAdmin {
		allowed = allowed || p.isAdmin()
	}
	if !allowed {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return calls.Session{}, principal{}, false
	}
	return s, p, true
}
