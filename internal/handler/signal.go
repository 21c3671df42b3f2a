package handler

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/crmdesk/call-signaling/internal/audit"
	"github.com/crmdesk/call-signaling/internal/call"
	"github.com/crmdesk/call-signaling/internal/config"
	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/model"
)

// SignalHandler accepts signaling messages from clients over plain HTTP or a
// long-lived socket, and pushes the peer's messages back over the socket.
type SignalHandler struct {
	calls     *call.Service
	presence  Presence
	signals   SignalListener
	upgrader  websocket.Upgrader
	pingEvery time.Duration
	pongWait  time.Duration
}

// NewSignalHandler builds the handler. The server pings every keepalive and
// drops a socket that stays silent for three of them. An empty
// allowedOrigins accepts any browser origin.
func NewSignalHandler(calls *call.Service, presence Presence, signals SignalListener, allowedOrigins []string, keepalive time.Duration) *SignalHandler {
	return &SignalHandler{
		calls:     calls,
		presence:  presence,
		signals:   signals,
		pingEvery: keepalive,
		pongWait:  3 * keepalive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// POST /v1/signal
func (h *SignalHandler) Post(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var msg model.SignalingMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, err)
		return
	}
	msg.FromUser = id.UserID
	h.presence.Heartbeat(id.UserID)

	outcome, err := h.calls.HandleSignal(r.Context(), msg)
	if err != nil {
		if errors.Is(err, call.ErrNotParticipant) {
			audit.LogFromRequest(r, foreignSessionEvent(msg))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

// wsFrame is everything the server writes on the socket.
type wsFrame struct {
	Type      string                  `json:"type"`
	SessionID string                  `json:"sessionId,omitempty"`
	Seq       uint64                  `json:"seq,omitempty"`
	Outcome   call.Outcome            `json:"outcome,omitempty"`
	Code      apperrors.ErrorCode     `json:"code,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Message   *model.SignalingMessage `json:"message,omitempty"`
}

const (
	frameAck       = "ack"
	frameError     = "error"
	frameSignal    = "signal"
	frameHeartbeat = "heartbeat"
)

// GET /v1/signal/ws
//
// Clients write SignalingMessage frames. Every frame and every pong refreshes
// the user's presence. A heartbeat frame without a session does nothing else;
// any other frame is answered with an ack or an error carrying the same
// session and seq.
func (h *SignalHandler) Socket(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventSocketRejected,
			UserID:  id.UserID,
			Details: map[string]any{"origin": r.Header.Get("Origin"), "error": err.Error()},
		})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox, err := h.signals.Listen(ctx, id.UserID)
	if err != nil {
		log.Error().Err(err).Str("userId", id.UserID).Msg("failed to listen for signals")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "signaling unavailable"),
			time.Now().Add(config.WSWriteWait))
		return
	}
	defer inbox.Close()

	h.presence.SetOnline(id.UserID)
	log.Info().Str("userId", id.UserID).Msg("signaling socket established")

	out := make(chan wsFrame, config.WSSendBufferSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, conn, inbox.C, out)
	}()

	h.readLoop(ctx, conn, id.UserID, out)
	cancel()
	<-writerDone

	log.Info().Str("userId", id.UserID).Msg("signaling socket closed")
}

func (h *SignalHandler) readLoop(ctx context.Context, conn *websocket.Conn, userID string, out chan<- wsFrame) {
	conn.SetReadLimit(config.WSMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		h.presence.Heartbeat(userID)
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		var msg model.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("userId", userID).Msg("signaling socket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		h.presence.Heartbeat(userID)

		var reply wsFrame
		if msg.Kind == model.SignalHeartbeat && msg.SessionID == "" {
			reply = wsFrame{Type: frameHeartbeat}
		} else {
			msg.FromUser = userID
			reply = h.apply(ctx, msg)
		}

		select {
		case out <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *SignalHandler) apply(ctx context.Context, msg model.SignalingMessage) wsFrame {
	outcome, err := h.calls.HandleSignal(ctx, msg)
	if err != nil {
		if errors.Is(err, call.ErrNotParticipant) {
			audit.Log(ctx, foreignSessionEvent(msg))
		}
		frame := wsFrame{
			Type:      frameError,
			SessionID: msg.SessionID,
			Seq:       msg.Seq,
			Code:      apperrors.ErrCodeInternal,
			Error:     "internal error",
		}
		if appErr, ok := apperrors.AsAppError(err); ok {
			frame.Code = appErr.Code
			frame.Error = appErr.Message
		}
		return frame
	}
	return wsFrame{Type: frameAck, SessionID: msg.SessionID, Seq: msg.Seq, Outcome: outcome}
}

func foreignSessionEvent(msg model.SignalingMessage) audit.Event {
	return audit.Event{
		Type:      audit.EventForeignSession,
		UserID:    msg.FromUser,
		SessionID: msg.SessionID,
		Details:   map[string]any{"kind": string(msg.Kind)},
	}
}

// writeLoop owns every write to conn.
func (h *SignalHandler) writeLoop(ctx context.Context, conn *websocket.Conn, inbox <-chan model.SignalingMessage, out <-chan wsFrame) {
	ping := time.NewTicker(h.pingEvery)
	defer ping.Stop()

	write := func(frame wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteWait))
		return conn.WriteJSON(frame)
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(config.WSWriteWait))
			return

		case msg, ok := <-inbox:
			if !ok {
				return
			}
			err = write(wsFrame{Type: frameSignal, SessionID: msg.SessionID, Message: &msg})

		case frame := <-out:
			err = write(frame)

		case <-ping.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteWait))
		}

		if err != nil {
			log.Debug().Err(err).Msg("signaling socket write failed")
			// Unblock the reader.
			conn.Close()
			return
		}
	}
}
