// Package signaling adapts the pub/sub layer into typed per-user signaling
// streams with ordered delivery, retry and duplicate suppression.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/pubsub"
)

var ErrTransportClosed = errors.New("signaling transport closed")

type Config struct {
	MaxRetries     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// DoneFunc receives the final delivery result of one message: nil once it
// was published, or a TRANSPORT_FAILURE AppError once retries ran out.
type DoneFunc func(msg model.SignalingMessage, err error)

type pending struct {
	msg  model.SignalingMessage
	done DoneFunc
}

type outbox struct {
	queue   []pending
	running bool
}

// Transport publishes signaling messages to the recipient's topic. Messages
// for one recipient leave in the order Send was called, and each one is
// stamped with the next seq of its (session, sender) stream.
type Transport struct {
	ps  pubsub.PubSub
	cfg Config

	mu       sync.Mutex
	outboxes map[string]*outbox
	seqs     map[streamKey]uint64
	inboxes  map[*inboxFilter]struct{}
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTransport(ps pubsub.PubSub, cfg Config) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		ps:       ps,
		cfg:      cfg.withDefaults(),
		outboxes: make(map[string]*outbox),
		seqs:     make(map[streamKey]uint64),
		inboxes:  make(map[*inboxFilter]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send enqueues msg and returns immediately. done, if non-nil, is always
// invoked from a transport goroutine, never from the caller's.
func (t *Transport) Send(msg model.SignalingMessage, done DoneFunc) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if done != nil {
			go done(msg, apperrors.TransportFailure(ErrTransportClosed))
		}
		return
	}

	k := streamKey{msg.SessionID, msg.FromUser}
	t.seqs[k]++
	msg.Seq = t.seqs[k]
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	topic := pubsub.SignalTopic(msg.ToUser)
	ob := t.outboxes[topic]
	if ob == nil {
		ob = &outbox{}
		t.outboxes[topic] = ob
	}
	ob.queue = append(ob.queue, pending{msg: msg, done: done})
	if !ob.running {
		ob.running = true
		t.wg.Add(1)
		go t.drain(topic, ob)
	}
	t.mu.Unlock()
}

func (t *Transport) drain(topic string, ob *outbox) {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		if len(ob.queue) == 0 {
			ob.running = false
			delete(t.outboxes, topic)
			t.mu.Unlock()
			return
		}
		p := ob.queue[0]
		ob.queue = ob.queue[1:]
		t.mu.Unlock()

		err := t.deliver(topic, p.msg)
		if err != nil {
			log.Error().Err(err).
				Str("sessionId", p.msg.SessionID).
				Str("kind", string(p.msg.Kind)).
				Str("toUser", p.msg.ToUser).
				Msg("signaling delivery failed")
		}
		if p.done != nil {
			p.done(p.msg, err)
		}
	}
}

func (t *Transport) deliver(topic string, msg model.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.TransportFailure(fmt.Errorf("encode message: %w", err))
	}

	backoff := t.cfg.RetryBase
	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-t.ctx.Done():
				return apperrors.TransportFailure(ErrTransportClosed)
			case <-time.After(backoff):
			}
			if backoff < t.cfg.RetryMax {
				backoff *= 2
			}
			if backoff > t.cfg.RetryMax {
				backoff = t.cfg.RetryMax
			}
		}

		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.PublishTimeout)
		lastErr = t.ps.Publish(ctx, topic, data)
		cancel()
		if lastErr == nil {
			return nil
		}

		log.Warn().Err(lastErr).
			Str("sessionId", msg.SessionID).
			Int("attempt", attempt+1).
			Msg("signaling publish failed, retrying")
	}
	return apperrors.TransportFailure(lastErr)
}

// Forget drops the outbound seq counters of a session that will never send
// again, along with what every open inbox remembers about it.
func (t *Transport) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.seqs {
		if k.sessionID == sessionID {
			delete(t.seqs, k)
		}
	}
	for f := range t.inboxes {
		f.forget(sessionID)
	}
}

// inboxStreams returns how many (session, sender) streams the open inboxes
// are tracking.
func (t *Transport) inboxStreams() int {
	t.mu.Lock()
	filters := make([]*inboxFilter, 0, len(t.inboxes))
	for f := range t.inboxes {
		filters = append(filters, f)
	}
	t.mu.Unlock()

	n := 0
	for _, f := range filters {
		n += f.streams()
	}
	return n
}

// Pending returns the number of queued, undelivered messages.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ob := range t.outboxes {
		n += len(ob.queue)
	}
	return n
}

// Close stops accepting messages and waits for queued ones to drain until
// ctx is done; anything left afterwards fails with ErrTransportClosed.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		<-drained
		return ctx.Err()
	}
}

// inboxFilter is the dedup state of one open inbox. Its goroutine and
// Forget both reach it.
type inboxFilter struct {
	mu    sync.Mutex
	dedup *Deduplicator
}

// accept returns the stream's previous high-water seq alongside the verdict.
func (f *inboxFilter) accept(msg model.SignalingMessage) (bool, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.dedup.Last(msg.SessionID, msg.FromUser)
	return f.dedup.Accept(msg.SessionID, msg.FromUser, msg.Seq), last
}

func (f *inboxFilter) forget(sessionID string) {
	f.mu.Lock()
	f.dedup.Forget(sessionID)
	f.mu.Unlock()
}

func (f *inboxFilter) streams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dedup.Len()
}

// Inbox is a typed, deduplicated view of one user's signaling topic.
type Inbox struct {
	C   <-chan model.SignalingMessage
	sub *pubsub.Subscription
}

func (i *Inbox) Done() <-chan struct{} {
	return i.sub.Done()
}

func (i *Inbox) Close() {
	i.sub.Close()
}

// Listen subscribes to the signaling messages addressed to userID.
// Redeliveries and out-of-order stragglers are dropped.
func (t *Transport) Listen(ctx context.Context, userID string) (*Inbox, error) {
	sub, err := t.ps.Subscribe(ctx, pubsub.SignalTopic(userID))
	if err != nil {
		return nil, fmt.Errorf("listen for %s: %w", userID, err)
	}

	filter := &inboxFilter{dedup: NewDeduplicator()}
	t.mu.Lock()
	t.inboxes[filter] = struct{}{}
	t.mu.Unlock()

	out := make(chan model.SignalingMessage, 64)
	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			delete(t.inboxes, filter)
			t.mu.Unlock()
		}()
		for {
			select {
			case <-sub.Done():
				return
			case raw := <-sub.C:
				var msg model.SignalingMessage
				if err := json.Unmarshal(raw, &msg); err != nil {
					log.Error().Err(err).Str("userId", userID).Msg("failed to decode signaling message")
					continue
				}
				if ok, last := filter.accept(msg); !ok {
					log.Debug().
						Str("sessionId", msg.SessionID).
						Uint64("seq", msg.Seq).
						Uint64("lastSeq", last).
						Msg("dropping duplicate signaling message")
					continue
				}
				select {
				case out <- msg:
				case <-sub.Done():
					return
				}
			}
		}
	}()

	return &Inbox{C: out, sub: sub}, nil
}
