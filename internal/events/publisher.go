package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Publisher delivers events fire-and-forget. Publish must never block the
// caller; implementations drop rather than wait.
type Publisher interface {
	Publish(event Event)
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// LoggingPublisher logs events at debug level.
type LoggingPublisher struct{}

func (LoggingPublisher) Publish(event Event) {
	e := log.Debug().
		Str("eventId", event.ID).
		Str("type", string(event.Type)).
		Strs("recipients", event.Recipients)
	if event.Session != nil {
		e = e.Str("sessionId", event.Session.ID).Str("state", string(event.Session.State))
	}
	if event.Reason != "" {
		e = e.Str("reason", string(event.Reason))
	}
	e.Msg("event published")
}

// MultiPublisher fans out events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(event Event) {
	for _, pub := range p.publishers {
		pub.Publish(event)
	}
}

// queue runs handle for each event on a single worker goroutine.
type queue struct {
	name    string
	ch      chan Event
	handle  func(ctx context.Context, event Event)
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func newQueue(name string, size int, handle func(ctx context.Context, event Event)) *queue {
	if size <= 0 {
		size = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		name:   name,
		ch:     make(chan Event, size),
		handle: handle,
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *queue) push(event Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- event:
	default:
		q.dropped.Add(1)
		log.Warn().
			Str("queue", q.name).
			Str("type", string(event.Type)).
			Msg("event queue full, dropping event")
	}
}

func (q *queue) run() {
	defer q.wg.Done()
	for event := range q.ch {
		q.handle(q.ctx, event)
	}
}

// close stops intake and waits for queued events until ctx is done.
func (q *queue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
