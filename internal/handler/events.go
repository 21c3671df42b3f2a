package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/signaling"
	"github.com/crmdesk/call-signaling/internal/sse"
)

// Presence is the part of the presence tracker the connection handlers drive.
type Presence interface {
	SetOnline(userID string)
	Heartbeat(userID string)
	SetOffline(userID string)
	Status(userID string) model.PresenceRecord
}

// SignalListener hands out a user's inbound signaling messages.
type SignalListener interface {
	Listen(ctx context.Context, userID string) (*signaling.Inbox, error)
}

type EventsHandler struct {
	broker    *sse.Broker
	presence  Presence
	signals   SignalListener
	heartbeat time.Duration
}

// NewEventsHandler builds the stream handler. keepalive is the heartbeat
// cadence written to every open stream.
func NewEventsHandler(broker *sse.Broker, presence Presence, signals SignalListener, keepalive time.Duration) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		presence:  presence,
		signals:   signals,
		heartbeat: keepalive,
	}
}

// ServeHTTP streams call lifecycle events for the authenticated user. With
// ?signals=true the stream also carries inbound signaling messages, for
// clients that cannot hold a socket open. Every heartbeat refreshes the
// user's presence; a dropped stream leaves expiry to the presence sweep.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	client, err := h.broker.Subscribe(id.UserID)
	if err != nil {
		log.Error().Err(err).Str("userId", id.UserID).Msg("failed to subscribe to events")
		writeError(w, apperrors.External("pubsub", err))
		return
	}
	defer h.broker.Unsubscribe(client)

	ctx := r.Context()

	var inbox <-chan model.SignalingMessage
	if r.URL.Query().Get("signals") == "true" {
		in, err := h.signals.Listen(ctx, id.UserID)
		if err != nil {
			log.Error().Err(err).Str("userId", id.UserID).Msg("failed to listen for signals")
			writeError(w, apperrors.External("pubsub", err))
			return
		}
		defer in.Close()
		inbox = in.C
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.presence.SetOnline(id.UserID)

	log.Info().
		Str("userId", id.UserID).
		Bool("signals", inbox != nil).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", h.presence.Status(id.UserID)); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("userId", id.UserID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("userId", id.UserID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case msg, ok := <-inbox:
			if !ok {
				return
			}
			if err := h.sendEvent(w, flusher, "signal", msg); err != nil {
				log.Error().Err(err).Msg("failed to send signal")
				return
			}

		case <-heartbeat.C:
			h.presence.Heartbeat(id.UserID)
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
