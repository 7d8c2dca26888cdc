package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 2 * time.Second

// Health reports database connectivity and the number of live sessions.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unhealthy",
			"database": err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"database": "ok",
		"sessions": h.sessions.Count(),
	})
}
