package sse

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/call-signaling/internal/pubsub"
)

const clientBufferSize = 100

type Event struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	UserID string
	Events chan Event
	Done   chan struct{}
}

// Broker fans UI events for a user out to every stream that user has open.
// Events travel through the pub/sub layer so a stream attached to another
// replica still receives them.
type Broker struct {
	ps      pubsub.PubSub
	clients map[string]map[*Client]bool // userID -> set of clients
	subs    map[string]*pubsub.Subscription
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(ps pubsub.PubSub) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		ps:      ps,
		clients: make(map[string]map[*Client]bool),
		subs:    make(map[string]*pubsub.Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(userID string) (*Client, error) {
	client := &Client{
		UserID: userID,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.clients[userID] == nil {
		sub, err := b.ps.Subscribe(b.ctx, pubsub.EventTopic(userID))
		if err != nil {
			return nil, err
		}
		b.subs[userID] = sub
		b.clients[userID] = make(map[*Client]bool)
		go b.forward(userID, sub)
	}
	b.clients[userID][client] = true

	log.Info().
		Str("userId", userID).
		Int("clientCount", len(b.clients[userID])).
		Msg("sse client subscribed")

	return client, nil
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[client.UserID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Done)

	if len(clients) == 0 {
		delete(b.clients, client.UserID)
		if sub := b.subs[client.UserID]; sub != nil {
			sub.Close()
			delete(b.subs, client.UserID)
		}
	}

	log.Info().
		Str("userId", client.UserID).
		Int("clientCount", len(clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, userID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, pubsub.EventTopic(userID), data)
}

func (b *Broker) forward(userID string, sub *pubsub.Subscription) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-sub.Done():
			return
		case msg := <-sub.C:
			var event Event
			if err := json.Unmarshal(msg, &event); err != nil {
				log.Error().Err(err).Str("userId", userID).Msg("failed to unmarshal event")
				continue
			}
			b.broadcast(userID, event)
		}
	}
}

func (b *Broker) broadcast(userID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients[userID] {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("userId", userID).
				Str("eventType", event.Type).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	for _, sub := range b.subs {
		sub.Close()
	}
	b.clients = make(map[string]map[*Client]bool)
	b.subs = make(map[string]*pubsub.Subscription)
}

func (b *Broker) ClientCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[userID])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
