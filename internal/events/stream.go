package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/sse"
)

const streamPublishTimeout = 5 * time.Second

// EventSink is where UI events end up; sse.Broker implements it.
type EventSink interface {
	Publish(ctx context.Context, userID string, event sse.Event) error
}

// StreamPublisher forwards events to each recipient's UI stream.
type StreamPublisher struct {
	sink EventSink
	q    *queue
}

func NewStreamPublisher(sink EventSink, queueSize int) *StreamPublisher {
	p := &StreamPublisher{sink: sink}
	p.q = newQueue("stream", queueSize, p.deliver)
	return p
}

func (p *StreamPublisher) Publish(event Event) {
	p.q.push(event)
}

func (p *StreamPublisher) deliver(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("failed to encode event")
		return
	}
	out := sse.Event{ID: event.ID, Type: string(event.Type), Data: data}

	for _, userID := range event.Recipients {
		pubCtx, cancel := context.WithTimeout(ctx, streamPublishTimeout)
		err := p.sink.Publish(pubCtx, userID, out)
		cancel()
		if err != nil {
			log.Warn().Err(err).
				Str("userId", userID).
				Str("type", string(event.Type)).
				Msg("failed to publish event to stream")
		}
	}
}

func (p *StreamPublisher) Close(ctx context.Context) error {
	return p.q.close(ctx)
}

// HistoryStore persists terminal call summaries.
type HistoryStore interface {
	Create(ctx context.Context, rec *model.CallHistoryRecord) error
}

// HistoryPublisher writes one summary per ended session and per busy
// attempt; other events are ignored.
type HistoryPublisher struct {
	store HistoryStore
	q     *queue
}

func NewHistoryPublisher(store HistoryStore, queueSize int) *HistoryPublisher {
	p := &HistoryPublisher{store: store}
	p.q = newQueue("history", queueSize, p.record)
	return p
}

func (p *HistoryPublisher) Publish(event Event) {
	switch {
	case event.Type == CallEnded && event.Session != nil:
	case event.Type == CallBusy && event.Attempt != nil:
	default:
		return
	}
	p.q.push(event)
}

func (p *HistoryPublisher) record(ctx context.Context, event Event) {
	var rec model.CallHistoryRecord
	if event.Session != nil {
		rec = event.Session.History()
	} else {
		rec = event.Attempt.History()
	}

	if err := p.store.Create(ctx, &rec); err != nil {
		log.Error().Err(err).
			Str("sessionId", rec.SessionID).
			Str("endReason", string(rec.EndReason)).
			Msg("failed to record call history")
		return
	}
	log.Debug().Str("sessionId", rec.SessionID).Msg("call history recorded")
}

func (p *HistoryPublisher) Close(ctx context.Context) error {
	return p.q.close(ctx)
}
