package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-signaling/internal/broker"
	"call-signaling/internal/calls"
	"call-signaling/internal/exchange"
	"call-signaling/internal/signaling"

	"github.com/gorilla/websocket"
)

type client struct {
	h         *Handler
	conn      *websocket.Conn
	sessionID string
	userID    string
	log       *slog.Logger

	// finishing is set while this client's own leave/end is in flight; the
	// reader then owns closing the connection so the ack is not lost.
	finishing atomic.Bool

	// flushed holds keys of mailbox payloads already delivered; owned by pump
	// once it starts.
	flushed map[string]struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (cl *client) run(ctx context.Context, sub *broker.Subscription, s calls.Session) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = sub.Close()
		cl.close()
		wg.Wait()
	}()

	opts := cl.h.opts
	cl.conn.SetReadLimit(opts.MaxMessageBytes)
	_ = cl.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	if err := cl.send(ServerMessage{Type: FrameReady, SessionID: s.ID, Status: s.Status, IceServers: s.Relay.Servers}); err != nil {
		return
	}
	cl.log.Debug("push client connected")
	if err := cl.flush(ctx, s.Status); err != nil {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		cl.pump(ctx, sub)
	}()

	for {
		msgType, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cl.log.Debug("push client read failed", "err", err)
			}
			return
		}
		// Any inbound frame proves liveness.
		_ = cl.conn.SetReadDeadline(time.Now().Add(opts.PongWait))

		if msgType != websocket.TextMessage {
			_ = cl.sendError("", "bad_message", "expected text message", "")
			continue
		}
		msg, err := parseClientMessage(data)
		if err != nil {
			_ = cl.sendError("", "bad_message", err.Error(), "")
			continue
		}
		if cl.handle(ctx, msg) {
			cl.closeWith(websocket.CloseNormalClosure, "session finished")
			return
		}
	}
}

// handle applies one client message and reports whether the session finished.
func (cl *client) handle(ctx context.Context, msg ClientMessage) bool {
	sig := cl.h.sig
	switch msg.Type {
	case MessageOffer:
		s, err := sig.SubmitOffer(ctx, cl.sessionID, cl.userID, msg.SDP)
		if err != nil {
			cl.fail(msg.Type, err)
			return false
		}
		_ = cl.send(ServerMessage{Type: FrameAck, Op: msg.Type, Status: s.Status})

	case MessageAnswer:
		s, err := sig.SubmitAnswer(ctx, cl.sessionID, cl.userID, msg.SDP)
		if err != nil {
			cl.fail(msg.Type, err)
			return false
		}
		_ = cl.send(ServerMessage{Type: FrameAck, Op: msg.Type, Status: s.Status})

	case MessageCandidate:
		if msg.Candidate == nil {
			_ = cl.sendError(msg.Type, "bad_request", "candidate is required", "")
			return false
		}
		delivered, err := sig.RelayICE(ctx, cl.sessionID, cl.userID, *msg.Candidate)
		if err != nil {
			cl.fail(msg.Type, err)
			return false
		}
		_ = cl.send(ServerMessage{Type: FrameAck, Op: msg.Type, Delivered: &delivered})

	case MessageLeave, MessageEnd:
		reason := msg.Reason
		if msg.Type == MessageLeave {
			reason = calls.ReasonUserLeft
		}
		cl.finishing.Store(true)
		s, err := sig.EndSession(ctx, cl.sessionID, cl.userID, reason)
		if err != nil {
			cl.fail(msg.Type, err)
			// Lost the race against another terminal transition.
			if state, ok := calls.CurrentState(err); ok && state.IsTerminal() {
				return true
			}
			cl.finishing.Store(false)
			return false
		}
		_ = cl.send(ServerMessage{Type: FrameAck, Op: msg.Type, Status: s.Status, DurationSeconds: s.DurationSeconds})
		return true

	default:
		_ = cl.sendError(msg.Type, "bad_message", "unknown message type", "")
	}
	return false
}

// flush takes whatever the peer sent before this connection subscribed from
// the session mailbox and delivers it as offer, answer and candidate events.
// Only write failures are returned; read failures leave the mailbox to the
// poll transport.
func (cl *client) flush(ctx context.Context, status calls.Status) error {
	sig := cl.h.sig
	cl.flushed = map[string]struct{}{}

	var pending []signaling.Event
	for _, take := range []func(context.Context, string, string) (exchange.Description, bool, error){sig.TakeOffer, sig.TakeAnswer} {
		d, ok, err := take(ctx, cl.sessionID, cl.userID)
		if err != nil {
			cl.log.Warn("pending description not read", "err", err)
			continue
		}
		if ok {
			pending = append(pending, signaling.Event{
				Type:      d.Type.String(),
				SessionID: cl.sessionID,
				SenderID:  d.SenderID,
				SDP:       d.SDP,
				SDPType:   d.Type.String(),
				Status:    status,
				At:        d.ReceivedAt,
			})
		}
	}
	cands, err := sig.DrainICE(ctx, cl.sessionID, cl.userID)
	if err != nil {
		cl.log.Warn("pending candidates not read", "err", err)
	}
	for _, c := range cands {
		ice := c.ICECandidateInit
		pending = append(pending, signaling.Event{
			Type:      signaling.EventCandidate,
			SessionID: cl.sessionID,
			SenderID:  c.SenderID,
			Candidate: &ice,
			Status:    status,
			At:        c.ReceivedAt,
		})
	}

	for _, ev := range pending {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := cl.write(websocket.TextMessage, payload); err != nil {
			return err
		}
		cand := ""
		if ev.Candidate != nil {
			cand = ev.Candidate.Candidate
		}
		cl.flushed[payloadKey(ev.Type, ev.SDP, cand)] = struct{}{}
	}
	if len(pending) > 0 {
		cl.log.Debug("pending signaling delivered", "count", len(pending))
	}
	return nil
}

// pump forwards the peer's session events and keeps the connection alive.
// A terminal event closes the connection after it is delivered.
func (cl *client) pump(ctx context.Context, sub *broker.Subscription) {
	ticker := time.NewTicker(cl.h.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C:
			if !ok {
				cl.closeWith(websocket.CloseGoingAway, "subscription closed")
				cl.close()
				return
			}
			var head eventHead
			if err := json.Unmarshal(payload, &head); err != nil {
				cl.log.Warn("undecodable event dropped", "err", err)
				continue
			}
			if head.SenderID == cl.userID {
				continue
			}
			if k := head.key(); k != "" {
				if _, dup := cl.flushed[k]; dup {
					delete(cl.flushed, k)
					continue
				}
			}
			if err := cl.write(websocket.TextMessage, payload); err != nil {
				cl.close()
				return
			}
			if isTerminalEvent(head.Type) && !cl.finishing.Load() {
				cl.closeWith(websocket.CloseNormalClosure, head.Type)
				cl.close()
				return
			}
		case <-ticker.C:
			cl.writeMu.Lock()
			err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cl.h.opts.WriteWait))
			cl.writeMu.Unlock()
			if err != nil {
				cl.close()
				return
			}
		}
	}
}

func (cl *client) fail(op string, err error) {
	var se *calls.StateError
	switch {
	case errors.Is(err, calls.ErrNotFound):
		_ = cl.sendError(op, "not_found", "session not found", "")
	case errors.As(err, &se):
		_ = cl.sendError(op, "invalid_state", "operation not allowed in current state", se.Current)
	case errors.Is(err, calls.ErrVersionConflict):
		_ = cl.sendError(op, "conflict", "session changed concurrently, retry", "")
	case errors.Is(err, calls.ErrInvalidArgument):
		_ = cl.sendError(op, "bad_request", err.Error(), "")
	default:
		cl.log.Error("push operation failed", "op", op, "err", err)
		_ = cl.sendError(op, "internal", "internal error", "")
	}
}

func (cl *client) sendError(op, code, message string, state calls.Status) error {
	return cl.send(ServerMessage{Type: FrameError, Op: op, Code: code, Message: message, State: state})
}

func (cl *client) send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return cl.write(websocket.TextMessage, data)
}

func (cl *client) write(messageType int, data []byte) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	_ = cl.conn.SetWriteDeadline(time.Now().Add(cl.h.opts.WriteWait))
	return cl.conn.WriteMessage(messageType, data)
}

func (cl *client) closeWith(code int, reason string) {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	_ = cl.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(cl.h.opts.WriteWait))
}

func (cl *client) close() {
	cl.closeOnce.Do(func() {
		_ = cl.conn.Close()
	})
}
