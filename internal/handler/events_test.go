package handler

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/sse"
)

type sseFrame struct {
	Type string
	Data string
}

// openStream connects to the event stream and returns a channel of parsed
// frames. Comment lines are skipped.
func openStream(t *testing.T, srvURL, user, query string) <-chan sseFrame {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srvURL+"/v1/events"+query, nil)
	require.NoError(t, err)
	req.Header.Set(testUserHeader, user)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan sseFrame, 64)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.Type != "":
				frames <- cur
				cur = sseFrame{}
			}
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan sseFrame, typ string) sseFrame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream closed before %s", typ)
			if f.Type == typ {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEventsHandler_Stream(t *testing.T) {
	s := newStack(t, nil)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	frames := openStream(t, srv.URL, "alice", "")

	var rec model.PresenceRecord
	require.NoError(t, json.Unmarshal([]byte(nextFrame(t, frames, "connected").Data), &rec))
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, model.PresenceOnline, rec.Status)

	require.NoError(t, s.broker.Publish(t.Context(), "alice", sse.Event{
		Type: "custom",
		Data: json.RawMessage(`{"n":1}`),
	}))
	assert.JSONEq(t, `{"n":1}`, nextFrame(t, frames, "custom").Data)

	// Lifecycle events reach the caller's stream.
	s.startRinging(t, "alice", "bob")
	nextFrame(t, frames, "call.ringing")
}

func TestEventsHandler_Signals(t *testing.T) {
	s := newStack(t, nil)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	frames := openStream(t, srv.URL, "bob", "?signals=true")
	nextFrame(t, frames, "connected")

	v := s.startRinging(t, "alice", "bob")

	var msg model.SignalingMessage
	require.NoError(t, json.Unmarshal([]byte(nextFrame(t, frames, "signal").Data), &msg))
	assert.Equal(t, v.ID, msg.SessionID)
	assert.Equal(t, model.SignalInvite, msg.Kind)
	assert.Equal(t, "alice", msg.FromUser)
}

func TestEventsHandler_HeartbeatRefreshesPresence(t *testing.T) {
	s := newStack(t, nil)
	h := NewEventsHandler(s.broker, s.tracker, s.transport, 10*time.Millisecond)
	srv := httptest.NewServer(asUser(h))
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(testUserHeader, "carol")
	before := s.tracker.Status("carol").LastHeartbeatAt

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Eventually(t, func() bool {
		return s.tracker.Status("carol").LastHeartbeatAt.After(before.Add(20 * time.Millisecond))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEventsHandler_RequiresIdentity(t *testing.T) {
	s := newStack(t, nil)
	rec := s.do(t, http.MethodGet, "/v1/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
