package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type PresenceHandler struct {
	presence Presence
}

func NewPresenceHandler(presence Presence) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

func (h *PresenceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/offline", h.Offline)
	r.Get("/{userID}", h.Get)

	return r
}

// POST /v1/presence/heartbeat
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	h.presence.Heartbeat(id.UserID)
	writeJSON(w, http.StatusOK, h.presence.Status(id.UserID))
}

// POST /v1/presence/offline
func (h *PresenceHandler) Offline(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	h.presence.SetOffline(id.UserID)
	writeJSON(w, http.StatusOK, h.presence.Status(id.UserID))
}

// GET /v1/presence/{userID}
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.presence.Status(chi.URLParam(r, "userID")))
}
