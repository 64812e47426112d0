// Package push is the WebSocket transport for call signaling. Each party holds
// one connection per session; inbound frames drive the lifecycle manager and
// the session's published events are forwarded to the peer. Whatever the peer
// sent before the connection was opened is taken from the session mailbox and
// delivered right after the ready frame.
package push

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/broker"
	"call-signaling/internal/calls"
	"call-signaling/internal/exchange"
	"call-signaling/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// Signaler is the subset of the lifecycle manager the push transport drives.
type Signaler interface {
	GetSession(ctx context.Context, sessionID string) (calls.Session, error)
	SubmitOffer(ctx context.Context, sessionID, senderID, sdp string) (calls.Session, error)
	SubmitAnswer(ctx context.Context, sessionID, senderID, sdp string) (calls.Session, error)
	RelayICE(ctx context.Context, sessionID, senderID string, cand webrtc.ICECandidateInit) (bool, error)
	EndSession(ctx context.Context, sessionID, actorID, reason string) (calls.Session, error)

	TakeOffer(ctx context.Context, sessionID, readerID string) (exchange.Description, bool, error)
	TakeAnswer(ctx context.Context, sessionID, readerID string) (exchange.Description, bool, error)
	DrainICE(ctx context.Context, sessionID, recipientID string) ([]exchange.Candidate, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (*broker.Subscription, error)
}

type Options struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64

	// CheckOrigin defaults to accepting every origin; origin policy belongs to the edge.
	CheckOrigin func(*http.Request) bool
	Logger      *slog.Logger
}

type Handler struct {
	sig      Signaler
	sub      Subscriber
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandler(sig Signaler, sub Subscriber, opts Options) (*Handler, error) {
	if sig == nil || sub == nil {
		return nil, errors.New("push: signaler and subscriber are required")
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		sig:      sig,
		sub:      sub,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		log:      opts.Logger.With("component", "push"),
	}, nil
}

// Serve upgrades GET /v1/calls/:session_id/ws for one of the session's parties.
func (h *Handler) Serve(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	s, err := h.sig.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	case err != nil:
		h.log.Error("load session failed", "session_id", sessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !s.HasParty(userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if s.Status.IsTerminal() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session is finished", "state": s.Status})
		return
	}

	// Subscribe before upgrading so no event published after the ready frame is missed.
	sub, err := h.sub.Subscribe(ctx, signaling.Topic(sessionID))
	if err != nil {
		h.log.Error("subscribe failed", "session_id", sessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "push unavailable"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = sub.Close()
		return
	}

	cl := &client{
		h:         h,
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		log:       h.log.With("session_id", sessionID, "user_id", userID),
	}
	cl.run(ctx, sub, s)
}
