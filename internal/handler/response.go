package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/httputil"
	"github.com/crmdesk/call-signaling/internal/middleware"
	"github.com/crmdesk/call-signaling/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.ValidationError("Invalid request body")
	}
	return nil
}

// identity returns the authenticated caller or writes 401.
func identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		writeError(w, apperrors.Unauthorized("Unauthorized"))
		return model.Identity{}, false
	}
	return *id, true
}

const idempotencyHeader = "Idempotency-Key"
