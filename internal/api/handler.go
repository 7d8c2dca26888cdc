// Package api provides HTTP handlers for the datachat API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/session"
	"github.com/ashureev/datachat/internal/store"
)

// Handler serves the REST surface.
type Handler struct {
	repo        store.Repository
	sessions    *session.Manager
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Manager, rl *RateLimiter, cfg *config.Config) *Handler {
	return &Handler{
		repo:        repo,
		sessions:    sessions,
		rateLimiter: rl,
		cfg:         cfg,
	}
}

// RegisterRoutes registers the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/health", h.Health)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/current", h.CurrentSession)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Post("/sessions/{id}/turns", h.RunTurn)
		r.Get("/sessions/{id}/messages", h.Messages)
		r.Get("/charts/{id}/*", h.Chart)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
