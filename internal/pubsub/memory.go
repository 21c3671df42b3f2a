package pubsub

import (
	"context"
	"errors"
	"sync"
)

const memorySubscriptionBuffer = 256

var ErrClosed = errors.New("pubsub closed")

// MemoryPubSub is the single-process transport used when no Redis URL is
// configured, and in tests.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ch  chan []byte
	sub *Subscription
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish blocks until every current subscriber has buffered the payload,
// the subscriber goes away, or ctx is done.
func (p *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(p.subs[topic]))
	for s := range p.subs[topic] {
		targets = append(targets, s)
	}
	p.mu.RUnlock()

	for _, s := range targets {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		case <-s.sub.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *MemoryPubSub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	ms := &memorySub{ch: make(chan []byte, memorySubscriptionBuffer)}
	ms.sub = newSubscription(topic, ms.ch, func() { p.remove(topic, ms) })
	if p.subs[topic] == nil {
		p.subs[topic] = make(map[*memorySub]struct{})
	}
	p.subs[topic][ms] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			ms.sub.Close()
		case <-ms.sub.Done():
		}
	}()

	return ms.sub, nil
}

func (p *MemoryPubSub) remove(topic string, ms *memorySub) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.subs[topic]; ok {
		delete(set, ms)
		if len(set) == 0 {
			delete(p.subs, topic)
		}
	}
}

// SubscriberCount returns the number of live subscriptions on topic.
func (p *MemoryPubSub) SubscriberCount(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[topic])
}

func (p *MemoryPubSub) Close() error {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]map[*memorySub]struct{})
	p.closed = true
	p.mu.Unlock()

	for _, set := range subs {
		for ms := range set {
			ms.sub.Close()
		}
	}
	return nil
}
