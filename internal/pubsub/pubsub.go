// Package pubsub is the topic-based fan-out used for signaling and UI events.
// Delivery is at-least-once and ordered within one topic; nothing is
// guaranteed across topics.
package pubsub

import (
	"context"
	"fmt"
	"sync"
)

type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Close() error
}

// Subscription delivers payloads on C until Done is closed.
type Subscription struct {
	Topic string
	C     <-chan []byte

	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newSubscription(topic string, c <-chan []byte, onClose func()) *Subscription {
	return &Subscription{
		Topic:   topic,
		C:       c,
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func SignalTopic(userID string) string {
	return fmt.Sprintf("calls:signal:%s", userID)
}

func EventTopic(userID string) string {
	return fmt.Sprintf("calls:events:%s", userID)
}
