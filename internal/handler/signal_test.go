package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/model"
)

func TestSignalHandler_Post(t *testing.T) {
	s := newStack(t, nil)
	v := s.startRinging(t, "alice", "bob")

	t.Run("sender is the authenticated user", func(t *testing.T) {
		// Claims to be alice; applied as bob, so the accept is legal.
		rec := s.do(t, http.MethodPost, "/v1/signal", "bob", model.SignalingMessage{
			SessionID: v.ID, FromUser: "alice", Seq: 1, Kind: model.SignalAccept,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"outcome":"applied"}`, rec.Body.String())
		s.waitState(t, v.ID, model.CallStateAccepted)
	})

	t.Run("duplicate", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/signal", "bob", model.SignalingMessage{
			SessionID: v.ID, Seq: 1, Kind: model.SignalAccept,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"outcome":"duplicate"}`, rec.Body.String())
	})

	t.Run("unknown session is stale", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/signal", "bob", model.SignalingMessage{
			SessionID: "gone", Seq: 1, Kind: model.SignalICECandidate,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"outcome":"stale"}`, rec.Body.String())
	})

	t.Run("invalid", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/signal", "bob", model.SignalingMessage{SessionID: v.ID})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func dialSignal(t *testing.T, srv *httptest.Server, user string, header http.Header) *websocket.Conn {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	header.Set(testUserHeader, user)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/signal/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsFrame {
	t.Helper()
	for {
		if f := readFrame(t, conn); f.Type == typ {
			return f
		}
	}
}

func TestSignalHandler_Socket(t *testing.T) {
	s := newStack(t, nil)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	alice := dialSignal(t, srv, "alice", nil)
	bob := dialSignal(t, srv, "bob", nil)

	// Both sockets must be listening before the invite is sent.
	for _, c := range []*websocket.Conn{alice, bob} {
		require.NoError(t, c.WriteJSON(model.SignalingMessage{Kind: model.SignalHeartbeat}))
		assert.Equal(t, frameHeartbeat, readFrame(t, c).Type)
	}

	v := s.startRinging(t, "alice", "bob")

	invite := readUntil(t, bob, frameSignal)
	require.NotNil(t, invite.Message)
	assert.Equal(t, model.SignalInvite, invite.Message.Kind)
	assert.Equal(t, v.ID, invite.SessionID)

	require.NoError(t, bob.WriteJSON(model.SignalingMessage{SessionID: v.ID, Seq: 1, Kind: model.SignalAccept}))
	ack := readUntil(t, bob, frameAck)
	assert.Equal(t, v.ID, ack.SessionID)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.EqualValues(t, "applied", ack.Outcome)

	accept := readUntil(t, alice, frameSignal)
	require.NotNil(t, accept.Message)
	assert.Equal(t, model.SignalAccept, accept.Message.Kind)
	assert.Equal(t, "bob", accept.Message.FromUser)

	require.NoError(t, alice.WriteJSON(model.SignalingMessage{
		SessionID: v.ID, Seq: 1, Kind: model.SignalOffer, Payload: []byte(`{"sdp":"o"}`),
	}))
	assert.Equal(t, frameAck, readUntil(t, alice, frameAck).Type)

	offer := readUntil(t, bob, frameSignal)
	require.NotNil(t, offer.Message)
	assert.Equal(t, model.SignalOffer, offer.Message.Kind)
	assert.JSONEq(t, `{"sdp":"o"}`, string(offer.Message.Payload))

	// Caller cannot accept its own call.
	require.NoError(t, alice.WriteJSON(model.SignalingMessage{SessionID: v.ID, Seq: 2, Kind: model.SignalAccept}))
	errFrame := readUntil(t, alice, frameError)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, errFrame.Code)
	assert.Equal(t, uint64(2), errFrame.Seq)
}

func TestSignalHandler_SocketOrigin(t *testing.T) {
	s := newStack(t, nil)
	signals := NewSignalHandler(s.calls, s.tracker, s.transport, []string{"https://app.example.com"}, time.Hour)
	srv := httptest.NewServer(asUser(http.HandlerFunc(signals.Socket)))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("foreign origin refused", func(t *testing.T) {
		header := http.Header{}
		header.Set(testUserHeader, "alice")
		header.Set("Origin", "https://evil.example.com")
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("allowed origin", func(t *testing.T) {
		header := http.Header{}
		header.Set(testUserHeader, "alice")
		header.Set("Origin", "https://app.example.com")
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		resp.Body.Close()
		conn.Close()
	})

	t.Run("requires identity", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestSignalHandler_SocketMarksOnline(t *testing.T) {
	s := newStack(t, nil)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	assert.Equal(t, model.PresenceOffline, s.tracker.Status("dave").Status)
	dialSignal(t, srv, "dave", nil)
	require.Eventually(t, func() bool {
		return s.tracker.Status("dave").Status == model.PresenceOnline
	}, 2*time.Second, 5*time.Millisecond)
}
