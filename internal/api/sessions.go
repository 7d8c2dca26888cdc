package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/identity"
	"github.com/ashureev/datachat/internal/present"
	"github.com/ashureev/datachat/internal/session"
)

const (
	multipartMemory    = 8 << 20
	maxQuestionBytes   = 64 << 10
	tableChoiceMessage = "table_choice_required"
)

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	resp := map[string]interface{}{
		"user_id":     user.UserID,
		"username":    user.Username,
		"session_ttl": int64(h.cfg.SessionTTL.Seconds()),
	}
	if cur, err := h.sessions.Current(userID); err == nil {
		resp["session_id"] = cur.SessionID
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"llm_provider":     h.cfg.LLM.Provider,
		"llm_model":        h.cfg.LLM.Model,
		"executor":         h.cfg.Executor.Kind,
		"max_iterations":   h.cfg.Agent.MaxIterations,
		"upload_max_bytes": h.cfg.UploadMaxBytes,
		"answer_language":  h.cfg.Agent.AnswerLanguage,
	})
}

// CreateSession loads the uploaded file and starts a session on one of its
// tables. Files holding several tables need a "table" form field.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.UploadMaxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	tables, err := dataset.Load(header.Filename, file)
	if err != nil {
		slog.Warn("Failed to load dataset", "user_id", userID, "file", header.Filename, "error", err)
		switch {
		case errors.Is(err, dataset.ErrUnsupportedFormat):
			Error(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			Error(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}

	choice := strings.TrimSpace(r.FormValue("table"))
	if choice == "" && len(tables) > 1 {
		JSON(w, http.StatusConflict, map[string]interface{}{
			"error":  tableChoiceMessage,
			"tables": dataset.Names(tables),
		})
		return
	}
	table, err := dataset.Pick(tables, choice)
	if err != nil {
		JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  err.Error(),
			"tables": dataset.Names(tables),
		})
		return
	}

	handle, err := h.sessions.NewSession(r.Context(), userID, table)
	if err != nil {
		slog.Error("Failed to create session", "user_id", userID, "error", err)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, http.StatusCreated, handle)
}

// CurrentSession returns the user's live session.
func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	handle, err := h.sessions.Current(identity.UserIDFromContext(r.Context()))
	if err != nil {
		Error(w, http.StatusNotFound, "no active session")
		return
	}
	JSON(w, http.StatusOK, handle)
}

// DeleteSession closes one of the user's sessions.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(userID, sessionID); err != nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err := h.sessions.Close(r.Context(), sessionID); err != nil {
		slog.Error("Failed to close session", "user_id", userID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type turnRequest struct {
	Question string `json:"question"`
}

// TurnResponse is the body returned for a completed turn.
type TurnResponse struct {
	View        present.View      `json:"view"`
	Steps       []agent.Step      `json:"steps"`
	Termination agent.Termination `json:"termination"`
	Message     string            `json:"message,omitempty"`
}

// NewTurnResponse flattens a session turn for the wire.
func NewTurnResponse(turn *session.Turn) TurnResponse {
	return TurnResponse{
		View:        turn.View,
		Steps:       turn.Result.Steps,
		Termination: turn.Result.Termination,
		Message:     turn.Result.Message,
	}
}

// RunTurn answers one question in a session.
func (h *Handler) RunTurn(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if !h.rateLimiter.Allow(userID) {
		slog.Warn("Rate limit exceeded", "user_id", userID)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQuestionBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		Error(w, http.StatusBadRequest, "question is required")
		return
	}

	turn, err := h.sessions.RunTurn(r.Context(), userID, sessionID, req.Question, nil,
		session.WithTabID(identity.TabIDFromContext(r.Context())))
	if err != nil {
		status, msg := TurnErrorStatus(err)
		Error(w, status, msg)
		return
	}
	JSON(w, http.StatusOK, NewTurnResponse(turn))
}

// TurnErrorStatus maps a RunTurn error onto an HTTP status and message.
func TurnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "turn timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "turn cancelled"
	}
	return http.StatusBadGateway, err.Error()
}

// Messages returns the stored transcript of a session.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	msgs, err := h.sessions.Messages(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to list messages", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// Chart serves a chart file from the session directory.
func (h *Handler) Chart(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	root, err := h.sessions.ChartRoot(userID, chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	rel := chi.URLParam(r, "*")
	if err := present.CheckChart(root, rel); err != nil {
		if errors.Is(err, present.ErrOutsideRoot) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	full, _ := present.ResolveChart(root, rel)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, full)
}
