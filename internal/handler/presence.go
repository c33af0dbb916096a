package handler

import (
	"net/http"

	"github.com/accreditation-portal/messaging/internal/model"
)

// PresenceSource lists live connections.
type PresenceSource interface {
	Snapshot() []model.Connection
}

// PresenceHandler handles the presence endpoint.
type PresenceHandler struct {
	registry PresenceSource
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(registry PresenceSource) *PresenceHandler {
	return &PresenceHandler{registry: registry}
}

// List handles GET /api/v1/presence
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	conns := h.registry.Snapshot()
	users := make([]string, 0, len(conns))
	for _, c := range conns {
		users = append(users, c.UserID)
	}
	writeJSON(w, http.StatusOK, &model.PresenceResponse{Users: users})
}
