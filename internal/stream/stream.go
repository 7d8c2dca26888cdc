// Package stream serves turns over a websocket, pushing every completed
// cycle to the client as it happens.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/identity"
	"github.com/ashureev/datachat/internal/session"
)

const writeTimeout = 10 * time.Second

// Message types exchanged on the socket.
const (
	TypeQuestion = "question"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeStep     = "step"
	TypeResult   = "result"
	TypeError    = "error"
)

// ClientMessage is sent by the browser.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServerMessage is sent to the browser.
type ServerMessage struct {
	Type   string            `json:"type"`
	Step   *agent.Step       `json:"step,omitempty"`
	Result *api.TurnResponse `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Status int               `json:"status,omitempty"`
}

// Limiter bounds turns per user.
type Limiter interface {
	Allow(key string) bool
}

// Handler upgrades /ws/sessions/{id} and runs questions in that session.
type Handler struct {
	sessions      *session.Manager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a websocket turn handler.
func NewHandler(sessions *session.Manager, limiter Limiter, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		sessions:      sessions,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if _, err := h.sessions.Get(userID, sessionID); err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.readLoop(r.Context(), ws, userID, sessionID)
	slog.Info("WebSocket session ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		switch msg.Type {
		case TypePing:
			h.write(ctx, ws, ServerMessage{Type: TypePong})
		case TypeQuestion:
			if !h.runTurn(ctx, ws, userID, sessionID, msg.Content) {
				return
			}
		default:
			h.write(ctx, ws, ServerMessage{Type: TypeError, Error: "unknown message type", Status: http.StatusBadRequest})
		}
	}
}

// runTurn streams one turn. It returns false when the socket is gone.
func (h *Handler) runTurn(ctx context.Context, ws *websocket.Conn, userID, sessionID, question string) bool {
	if strings.TrimSpace(question) == "" {
		return h.write(ctx, ws, ServerMessage{Type: TypeError, Error: "question is required", Status: http.StatusBadRequest})
	}
	if h.limiter != nil && !h.limiter.Allow(userID) {
		slog.Warn("Rate limit exceeded", "user_id", userID)
		return h.write(ctx, ws, ServerMessage{Type: TypeError, Error: "rate limit exceeded", Status: http.StatusTooManyRequests})
	}

	alive := true
	onEvent := func(ev agent.Event) {
		if ev.Step == nil || !alive {
			return
		}
		step := *ev.Step
		alive = h.write(ctx, ws, ServerMessage{Type: TypeStep, Step: &step})
	}

	turn, err := h.sessions.RunTurn(ctx, userID, sessionID, question, nil,
		session.WithEvents(onEvent),
		session.WithTabID(identity.TabIDFromContext(ctx)),
	)
	if err != nil {
		status, msg := api.TurnErrorStatus(err)
		return h.write(ctx, ws, ServerMessage{Type: TypeError, Error: msg, Status: status})
	}
	resp := api.NewTurnResponse(turn)
	return h.write(ctx, ws, ServerMessage{Type: TypeResult, Result: &resp})
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, msg ServerMessage) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, msg); err != nil {
		slog.Debug("WebSocket write error", "error", err, "type", msg.Type)
		return false
	}
	return true
}
