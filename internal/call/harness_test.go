package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/events"
	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/presence"
	"github.com/crmdesk/call-signaling/internal/signaling"
)

type heldMessage struct {
	msg  model.SignalingMessage
	done signaling.DoneFunc
}

// fakeRelay records sent messages and completes them asynchronously. While
// holding, completions wait for Release.
type fakeRelay struct {
	mu        sync.Mutex
	sent      []model.SignalingMessage
	holding   bool
	held      []heldMessage
	failKinds map[model.SignalKind]bool
	forgotten []string
}

func (r *fakeRelay) Send(msg model.SignalingMessage, done signaling.DoneFunc) {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	if r.holding {
		r.held = append(r.held, heldMessage{msg, done})
		r.mu.Unlock()
		return
	}
	fail := r.failKinds[msg.Kind]
	r.mu.Unlock()

	var err error
	if fail {
		err = apperrors.TransportFailure(errors.New("retries exhausted"))
	}
	go done(msg, err)
}

func (r *fakeRelay) Forget(sessionID string) {
	r.mu.Lock()
	r.forgotten = append(r.forgotten, sessionID)
	r.mu.Unlock()
}

func (r *fakeRelay) Hold() {
	r.mu.Lock()
	r.holding = true
	r.mu.Unlock()
}

func (r *fakeRelay) Release() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.holding = false
	r.mu.Unlock()
	for _, h := range held {
		go h.done(h.msg, nil)
	}
}

func (r *fakeRelay) FailKind(kind model.SignalKind) {
	r.mu.Lock()
	if r.failKinds == nil {
		r.failKinds = make(map[model.SignalKind]bool)
	}
	r.failKinds[kind] = true
	r.mu.Unlock()
}

// SentTo returns the messages addressed to user for one session, in send order.
func (r *fakeRelay) SentTo(sessionID, user string) []model.SignalingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SignalingMessage
	for _, m := range r.sent {
		if m.SessionID == sessionID && m.ToUser == user {
			out = append(out, m)
		}
	}
	return out
}

func kinds(msgs []model.SignalingMessage) []model.SignalKind {
	out := make([]model.SignalKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// SessionEvents returns the lifecycle event types published for a session.
func (p *recordingPublisher) SessionEvents(sessionID string) []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, ev := range p.events {
		if ev.Session != nil && ev.Session.ID == sessionID && ev.Type != events.CallMediaFlagChanged {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (p *recordingPublisher) OfType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc     *Service
	relay   *fakeRelay
	tracker *presence.Tracker
	pub     *recordingPublisher
	clock   *testClock
}

func defaultTestConfig() Config {
	return Config{
		RingTimeout:          time.Hour,
		NegotiationTimeout:   time.Hour,
		StaleAfter:           time.Hour,
		TerminalRetention:    time.Hour,
		CandidateBufferLimit: 8,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		relay:   &fakeRelay{},
		tracker: presence.NewTracker(time.Hour),
		pub:     &recordingPublisher{},
		clock:   &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(cfg, h.relay, h.tracker, h.pub)
	h.svc.now = h.clock.Now
	h.tracker.OnChange(h.svc.HandlePresenceChange)
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		h.tracker.SetOnline(u)
	}
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) state(t *testing.T, sessionID string) model.CallState {
	t.Helper()
	v, err := h.svc.GetSession(sessionID)
	require.NoError(t, err)
	return v.State
}

func (h *harness) waitState(t *testing.T, sessionID string, want model.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := h.svc.GetSession(sessionID)
		return err == nil && v.State == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", sessionID, want)
}

// ringing starts a call and waits for the invite to be delivered.
func (h *harness) ringing(t *testing.T, caller, callee string, kind model.MediaKind) model.CallSessionView {
	t.Helper()
	v, err := h.svc.StartCall(t.Context(), StartRequest{CallerID: caller, CalleeID: callee, MediaKind: kind})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, typ := range h.pub.SessionEvents(v.ID) {
			if typ == events.CallRinging {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "invite for %s never delivered", v.ID)
	return v
}

// accepted starts a call and has the callee accept it.
func (h *harness) accepted(t *testing.T, caller, callee string) model.CallSessionView {
	t.Helper()
	v := h.ringing(t, caller, callee, model.MediaKindVideo)
	v, err := h.svc.Accept(t.Context(), Intent{SessionID: v.ID, UserID: callee})
	require.NoError(t, err)
	return v
}

func signal(session, from string, seq uint64, kind model.SignalKind, payload string) model.SignalingMessage {
	m := model.SignalingMessage{SessionID: session, FromUser: from, Seq: seq, Kind: kind}
	if payload != "" {
		m.Payload = []byte(payload)
	}
	return m
}
