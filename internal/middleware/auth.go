package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/call-signaling/internal/audit"
	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/httputil"
	"github.com/crmdesk/call-signaling/internal/model"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

func GetIdentity(ctx context.Context) *model.Identity {
	if id, ok := ctx.Value(IdentityContextKey).(*model.Identity); ok {
		return id
	}
	return nil
}

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, &id)
}

type TokenVerifier interface {
	Verify(token string, now time.Time) (model.Identity, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		id, err := m.verifier.Verify(token, time.Now())
		if err != nil {
			eventType := audit.EventAuthFailure
			if apperrors.HasCode(err, apperrors.ErrCodeTokenExpired) {
				eventType = audit.EventTokenExpired
			}
			log.Debug().Err(err).Msg("auth middleware: token rejected")
			audit.LogFromRequest(r, audit.Event{Type: eventType})
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// extractToken prefers the Authorization header. Browsers cannot set headers
// on EventSource or WebSocket requests, so those pass ?token= instead.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
