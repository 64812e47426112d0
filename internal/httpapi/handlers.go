package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/exchange"
	"call-signaling/internal/rbac"
	"call-signaling/internal/reporting"
	"call-signaling/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

// CallService is the lifecycle manager surface the REST and poll endpoints use.
type CallService interface {
	CreateSession(ctx context.Context, req signaling.CreateRequest) (calls.Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (calls.Session, error)
	SubmitOffer(ctx context.Context, sessionID, senderID, sdp string) (calls.Session, error)
	SubmitAnswer(ctx context.Context, sessionID, senderID, sdp string) (calls.Session, error)
	RelayICE(ctx context.Context, sessionID, senderID string, cand webrtc.ICECandidateInit) (bool, error)
	EndSession(ctx context.Context, sessionID, actorID, reason string) (calls.Session, error)
	FailSession(ctx context.Context, sessionID, actorID, reason string) (calls.Session, error)
	ReportQuality(ctx context.Context, sessionID, reporterID string, q signaling.QualityReport) (calls.Session, error)
	TakeOffer(ctx context.Context, sessionID, readerID string) (exchange.Description, bool, error)
	TakeAnswer(ctx context.Context, sessionID, readerID string) (exchange.Description, bool, error)
	DrainICE(ctx context.Context, sessionID, recipientID string) ([]exchange.Candidate, error)
}

// AuditHistory replays a session's lifecycle trail.
type AuditHistory interface {
	History(ctx context.Context, sessionID string) ([]audit.Event, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   CallService
	Reports *reporting.Service
	Audit   AuditHistory

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// IssueDevToken issues a JWT pair without checking credentials.
// It is only routed outside production; real tokens come from the identity provider.
func (h Handlers) IssueDevToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Email, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the authenticated principal.
func (h Handlers) Me(c *gin.Context) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "email": id.Email, "role": id.Role})
}

// principal is the authenticated caller of a request.
type principal auth.Identity

func principalFrom(c *gin.Context) (principal, bool) {
	id, ok := auth.IdentityFrom(c.Request.Context())
	return principal(id), ok
}

func (p principal) isAdmin() bool { return rbac.IsAdmin(p.Role) }
