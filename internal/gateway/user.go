package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/protocol"
	"github.com/trafficbuster/conductor/internal/session"
)

// HandleUser upgrades a user channel. Authentication happens after the
// upgrade so the client receives a structured rejection instead of a
// bare HTTP error: token from the query string, validated against the
// session store, then a hello frame.
func (g *Gateway) HandleUser(w http.ResponseWriter, r *http.Request) {
	raw, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("user channel upgrade failed", "error", err)
		return
	}
	c := newConn(raw)

	token := r.URL.Query().Get("token")
	if token == "" {
		g.rejectUser(c, protocol.CodeTokenMissing, "Authentication token required")
		return
	}

	userID, sessionID, err := session.ParseToken(g.opts.JWTSecret, token)
	if err != nil {
		slog.Warn("user channel token rejected", "error", err)
		g.rejectUser(c, protocol.CodeTokenInvalid, "Invalid or expired token")
		return
	}

	sess, ok := g.sessions.Get(userID, sessionID)
	if !ok || sess.Status != session.StatusActive {
		slog.Warn("user channel session rejected", "user", userID, "error", model.ErrSessionInvalid)
		g.rejectUser(c, protocol.CodeSessionInvalid, model.ErrSessionInvalid.Error())
		return
	}

	err = c.Send(protocol.UserHello{
		Success:   true,
		Type:      protocol.TypeConnected,
		Status:    "authenticated",
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		c.Close()
		return
	}

	slog.Info("user channel connected", "user", userID, "session", sessionID)
	g.addUser(userID, c)
	defer func() {
		g.removeUser(userID, c)
		c.Close()
		slog.Info("user channel closed", "user", userID, "session", sessionID)
	}()

	armDeadline(raw, g.opts.UserPing)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go g.keepalive(ctx, c, g.opts.UserPing)

	g.userReadLoop(c, raw, userID, sessionID)
}

func (g *Gateway) userReadLoop(c *wsConn, raw *websocket.Conn, userID, sessionID string) {
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		g.sessions.Touch(userID, sessionID)

		t, err := protocol.Peek(data)
		if err != nil {
			slog.Debug("dropping malformed user message", "user", userID, "error", err)
			continue
		}
		switch t {
		case protocol.TypeHeartbeat:
			_ = c.Send(protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck})
		case protocol.TypeStatus:
			_ = c.Send(statusReply{Type: protocol.TypeStatus, Jobs: g.jobs.ListForUser(userID)})
		default:
			slog.Debug("ignoring user message", "user", userID, "type", string(t))
		}
	}
}

func (g *Gateway) rejectUser(c *wsConn, code, message string) {
	_ = c.Send(protocol.Reject{Success: false, Code: code, Message: message})
	c.CloseWith(websocket.ClosePolicyViolation, code)
}
