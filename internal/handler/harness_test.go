package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/crmdesk/call-signaling/internal/audit"
	"github.com/crmdesk/call-signaling/internal/call"
	"github.com/crmdesk/call-signaling/internal/events"
	"github.com/crmdesk/call-signaling/internal/middleware"
	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/presence"
	"github.com/crmdesk/call-signaling/internal/pubsub"
	"github.com/crmdesk/call-signaling/internal/signaling"
	"github.com/crmdesk/call-signaling/internal/sse"
)

const testUserHeader = "X-Test-User"

// asUser stands in for the auth middleware: the caller named in the test
// header becomes the request identity.
func asUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get(testUserHeader); user != "" {
			r = r.WithContext(middleware.WithIdentity(r.Context(), model.Identity{UserID: user, Name: user}))
		}
		next.ServeHTTP(w, r)
	})
}

type stack struct {
	ps        *pubsub.MemoryPubSub
	transport *signaling.Transport
	tracker   *presence.Tracker
	broker    *sse.Broker
	calls     *call.Service
	router    chi.Router
}

type stackOptions struct {
	history         HistoryReader
	presenceTimeout time.Duration
	keepalive       time.Duration
}

func newStack(t *testing.T, history HistoryReader) *stack {
	t.Helper()
	return newStackWith(t, stackOptions{history: history, presenceTimeout: time.Hour, keepalive: time.Hour})
}

func newStackWith(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	s := &stack{
		ps:      pubsub.NewMemoryPubSub(),
		tracker: presence.NewTracker(opts.presenceTimeout),
	}
	s.transport = signaling.NewTransport(s.ps, signaling.Config{MaxRetries: 1, RetryBase: time.Millisecond})
	s.broker = sse.NewBroker(s.ps)
	stream := events.NewStreamPublisher(s.broker, 64)
	s.calls = call.NewService(call.Config{
		RingTimeout:          time.Hour,
		NegotiationTimeout:   time.Hour,
		StaleAfter:           time.Hour,
		TerminalRetention:    time.Hour,
		CandidateBufferLimit: 8,
	}, s.transport, s.tracker, stream)
	s.tracker.OnChange(s.calls.HandlePresenceChange)

	for _, u := range []string{"alice", "bob", "carol"} {
		s.tracker.SetOnline(u)
	}

	signals := NewSignalHandler(s.calls, s.tracker, s.transport, nil, opts.keepalive)
	r := chi.NewRouter()
	r.Use(asUser)
	r.Mount("/v1/calls", NewCallsHandler(s.calls, opts.history).Routes())
	r.Mount("/v1/presence", NewPresenceHandler(s.tracker).Routes())
	r.Post("/v1/signal", signals.Post)
	r.Get("/v1/signal/ws", signals.Socket)
	r.Get("/v1/events", NewEventsHandler(s.broker, s.tracker, s.transport, opts.keepalive).ServeHTTP)
	s.router = r

	t.Cleanup(func() {
		s.calls.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = stream.Close(ctx)
		_ = s.transport.Close(ctx)
		s.broker.Close()
		_ = s.ps.Close()
	})
	return s
}

func (s *stack) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// startRinging starts a call over the API and waits until the invite has
// been delivered.
func (s *stack) startRinging(t *testing.T, caller, callee string) model.CallSessionView {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/calls", caller, map[string]any{"calleeId": callee, "mediaKind": "video"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[model.CallSessionView](t, rec)
	s.waitState(t, v.ID, model.CallStateRinging)
	return v
}

func (s *stack) waitState(t *testing.T, id string, want model.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := s.calls.GetSession(id)
		return err == nil && v.State == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

// logSink collects global log output. Background goroutines log too, so
// writes are serialized.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func captureLog(t *testing.T) *logSink {
	t.Helper()
	sink := &logSink{}
	prev := log.Logger
	log.Logger = zerolog.New(sink)
	t.Cleanup(func() { log.Logger = prev })
	return sink
}

// foreignSession counts audit entries for outsiders naming sessionID.
func (l *logSink) foreignSession(t *testing.T, sessionID string) int {
	t.Helper()
	l.mu.Lock()
	lines := strings.Split(l.buf.String(), "\n")
	l.mu.Unlock()

	n := 0
	for _, line := range lines {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["event_type"] == string(audit.EventForeignSession) && entry["session_id"] == sessionID {
			n++
		}
	}
	return n
}
