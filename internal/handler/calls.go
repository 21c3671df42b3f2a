package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crmdesk/call-signaling/internal/audit"
	"github.com/crmdesk/call-signaling/internal/call"
	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/model"
)

// HistoryReader is the read side of the call history store.
type HistoryReader interface {
	FindBySessionID(ctx context.Context, sessionID string) (*model.CallHistoryRecord, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.CallHistoryRecord, error)
	CountByUser(ctx context.Context, userID string) (int, error)
}

type CallsHandler struct {
	calls   *call.Service
	history HistoryReader
}

// NewCallsHandler builds the call intent API. history may be nil when no
// database is configured.
func NewCallsHandler(calls *call.Service, history HistoryReader) *CallsHandler {
	return &CallsHandler{calls: calls, history: history}
}

func (h *CallsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Start)
	r.Get("/active", h.Active)
	r.Get("/history", h.History)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/accept", h.intent(h.calls.Accept))
	r.Post("/{id}/reject", h.intent(h.calls.Reject))
	r.Post("/{id}/cancel", h.intent(h.calls.Cancel))
	r.Post("/{id}/hangup", h.intent(h.calls.Hangup))
	r.Post("/{id}/mute", h.mediaFlag(model.MediaFlagMuted))
	r.Post("/{id}/video", h.mediaFlag(model.MediaFlagVideoEnabled))

	return r
}

// POST /v1/calls
func (h *CallsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req struct {
		CalleeID   string          `json:"calleeId"`
		MediaKind  model.MediaKind `json:"mediaKind"`
		CallerName string          `json:"callerName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MediaKind == "" {
		req.MediaKind = model.MediaKindAudio
	}
	if req.CallerName == "" {
		req.CallerName = id.Name
	}

	view, err := h.calls.StartCall(r.Context(), call.StartRequest{
		CallerID:   id.UserID,
		CallerName: req.CallerName,
		CalleeID:   req.CalleeID,
		MediaKind:  req.MediaKind,
		RequestID:  r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// GET /v1/calls/active
func (h *CallsHandler) Active(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": h.calls.GetActiveSessionFor(id.UserID),
	})
}

// GET /v1/calls/{id}
// Sessions the caller is not part of are reported as missing. A session
// already evicted from memory is served from the history archive.
func (h *CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "id")

	view, err := h.calls.GetSession(sessionID)
	if err == nil {
		if view.CallerID != id.UserID && view.CalleeID != id.UserID {
			logForeignSession(r, id.UserID, sessionID)
			writeError(w, apperrors.NotFound("Call"))
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	if h.history == nil || !errors.Is(err, apperrors.NotFound("Call")) {
		writeError(w, err)
		return
	}

	rec, err := h.history.FindBySessionID(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to find call history")
		writeError(w, apperrors.Database(err))
		return
	}
	if rec == nil || (rec.CallerID != id.UserID && rec.CalleeID != id.UserID) {
		writeError(w, apperrors.NotFound("Call"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/calls/history
func (h *CallsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	page := ParsePage(r)

	if h.history == nil {
		writeJSON(w, http.StatusOK, page.Of(nil, 0))
		return
	}

	ctx := r.Context()
	items, err := h.history.ListByUser(ctx, id.UserID, page.Limit, page.Offset)
	if err != nil {
		log.Error().Err(err).Str("userId", id.UserID).Msg("failed to list call history")
		writeError(w, apperrors.Database(err))
		return
	}
	total, err := h.history.CountByUser(ctx, id.UserID)
	if err != nil {
		log.Error().Err(err).Str("userId", id.UserID).Msg("failed to count call history")
		writeError(w, apperrors.Database(err))
		return
	}

	writeJSON(w, http.StatusOK, page.Of(items, total))
}

type intentFunc func(ctx context.Context, in call.Intent) (model.CallSessionView, error)

// POST /v1/calls/{id}/accept|reject|cancel|hangup
func (h *CallsHandler) intent(fn intentFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}

		view, err := fn(r.Context(), call.Intent{
			SessionID: chi.URLParam(r, "id"),
			UserID:    id.UserID,
			RequestID: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			if errors.Is(err, call.ErrNotParticipant) {
				logForeignSession(r, id.UserID, chi.URLParam(r, "id"))
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// POST /v1/calls/{id}/mute and /v1/calls/{id}/video
func (h *CallsHandler) mediaFlag(flag model.MediaFlag) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}

		var req struct {
			Value *bool `json:"value"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Value == nil {
			writeError(w, apperrors.MissingRequired("value"))
			return
		}

		view, err := h.calls.UpdateMediaFlag(r.Context(), call.Intent{
			SessionID: chi.URLParam(r, "id"),
			UserID:    id.UserID,
			RequestID: r.Header.Get(idempotencyHeader),
		}, flag, *req.Value)
		if err != nil {
			if errors.Is(err, call.ErrNotParticipant) {
				logForeignSession(r, id.UserID, chi.URLParam(r, "id"))
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func logForeignSession(r *http.Request, userID, sessionID string) {
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventForeignSession,
		UserID:    userID,
		SessionID: sessionID,
		Details:   map[string]any{"path": r.URL.Path},
	})
}
