// Package call owns the authoritative table of call sessions. Every state
// change goes through Service.transition under the session's lock.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/events"
	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/signaling"
)

// ErrNotParticipant is the cause behind the NOT_FOUND returned to a user who
// names a live session they are not part of.
var ErrNotParticipant = errors.New("user is not a participant of the session")

type Config struct {
	RingTimeout          time.Duration
	NegotiationTimeout   time.Duration
	StaleAfter           time.Duration
	TerminalRetention    time.Duration
	CandidateBufferLimit int
}

// Relay sends signaling messages to a participant. done is always invoked
// asynchronously with the final delivery result.
type Relay interface {
	Send(msg model.SignalingMessage, done signaling.DoneFunc)
	Forget(sessionID string)
}

// Presence is the view of the presence tracker the call service needs.
type Presence interface {
	IsReachable(userID string) bool
	SetInCall(userID string)
	SetAvailable(userID string)
}

type StartRequest struct {
	CallerID   string
	CallerName string
	CalleeID   string
	MediaKind  model.MediaKind
	RequestID  string
}

// Intent is a UI request against an existing session.
type Intent struct {
	SessionID string
	UserID    string
	RequestID string
}

type activeRef struct {
	sessionID string
	peerID    string
}

type Service struct {
	cfg       Config
	relay     Relay
	presence  Presence
	publisher events.Publisher
	now       func() time.Time
	newID     func() string

	pairs *pairLocks

	// Lock order: pair lock, then entry.mu, then mu.
	mu       sync.RWMutex
	sessions map[string]*entry
	active   map[string]activeRef
	starts   map[string]string
}

func NewService(cfg Config, relay Relay, presence Presence, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cfg.CandidateBufferLimit <= 0 {
		cfg.CandidateBufferLimit = 128
	}
	return &Service{
		cfg:       cfg,
		relay:     relay,
		presence:  presence,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
		pairs:     newPairLocks(),
		sessions:  make(map[string]*entry),
		active:    make(map[string]activeRef),
		starts:    make(map[string]string),
	}
}

// StartCall creates a session from caller to callee and sends the invite.
// It returns as soon as the session is registered; the session reaches
// ringing once the invite is delivered.
func (s *Service) StartCall(ctx context.Context, req StartRequest) (model.CallSessionView, error) {
	if err := validateStart(req); err != nil {
		return model.CallSessionView{}, err
	}

	unlock := s.pairs.lock(req.CallerID, req.CalleeID)
	defer unlock()

	if view, ok := s.replayedStart(req); ok {
		return view, nil
	}

	s.mu.RLock()
	callerRef, callerBusy := s.active[req.CallerID]
	_, calleeBusy := s.active[req.CalleeID]
	s.mu.RUnlock()

	if callerBusy {
		if callerRef.peerID == req.CalleeID {
			if e := s.lookup(callerRef.sessionID); e != nil {
				if view, handled, err := s.resolveGlare(e, req); handled {
					return view, err
				}
			}
		}
		return model.CallSessionView{}, apperrors.AlreadyInCall()
	}
	if calleeBusy {
		s.publishBusy(req)
		return model.CallSessionView{}, apperrors.Busy(req.CalleeID)
	}
	if !s.presence.IsReachable(req.CalleeID) {
		log.Info().
			Str("callerId", req.CallerID).
			Str("calleeId", req.CalleeID).
			Msg("call refused: callee offline")
		return model.CallSessionView{}, apperrors.Unreachable(req.CalleeID)
	}

	e := s.newEntry(req)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.claim(e, ""); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeBusy) {
			s.publishBusy(req)
		}
		return model.CallSessionView{}, err
	}
	s.rememberStart(req, e.s.ID)
	s.sendInvite(e)

	log.Info().
		Str("sessionId", e.s.ID).
		Str("callerId", req.CallerID).
		Str("calleeId", req.CalleeID).
		Str("mediaKind", string(req.MediaKind)).
		Msg("call started")

	return e.s.View(), nil
}

// resolveGlare handles a start request from A to B while B's call to A is
// still initiated. The session that sorts first by (caller, created at, id)
// survives; the other ends as superseded. handled is false when existing is
// not a glare candidate.
func (s *Service) resolveGlare(existing *entry, req StartRequest) (view model.CallSessionView, handled bool, err error) {
	existing.mu.Lock()
	defer existing.mu.Unlock()

	if existing.s.State != model.CallStateInitiated || existing.s.CallerID != req.CalleeID {
		return model.CallSessionView{}, false, nil
	}

	cand := s.newEntry(req)
	cand.mu.Lock()
	defer cand.mu.Unlock()

	if precedes(&existing.s, &cand.s) {
		cand.s.MergedInto = existing.s.ID
		s.store(cand)
		s.rememberStart(req, cand.s.ID)
		if err := s.transition(cand, model.CallStateSuperseded, ""); err != nil {
			return model.CallSessionView{}, true, err
		}
		log.Info().
			Str("sessionId", cand.s.ID).
			Str("mergedInto", existing.s.ID).
			Msg("glare: new call superseded by existing invite")
		return cand.s.View(), true, nil
	}

	if err := s.claim(cand, existing.s.ID); err != nil {
		return model.CallSessionView{}, true, err
	}
	s.rememberStart(req, cand.s.ID)

	existing.s.MergedInto = cand.s.ID
	if err := s.transition(existing, model.CallStateSuperseded, ""); err != nil {
		return model.CallSessionView{}, true, err
	}
	s.signal(existing, existing.s.CallerID, model.SignalCancel, nil)
	s.sendInvite(cand)

	log.Info().
		Str("sessionId", cand.s.ID).
		Str("superseded", existing.s.ID).
		Msg("glare: existing invite superseded by new call")
	return cand.s.View(), true, nil
}

// precedes is the total order used to pick the glare survivor.
func precedes(a, b *model.CallSession) bool {
	if a.CallerID != b.CallerID {
		return a.CallerID < b.CallerID
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func validateStart(req StartRequest) error {
	switch {
	case strings.TrimSpace(req.CallerID) == "":
		return apperrors.MissingRequired("callerId")
	case strings.TrimSpace(req.CalleeID) == "":
		return apperrors.MissingRequired("calleeId")
	case req.CallerID == req.CalleeID:
		return apperrors.InvalidInput("calleeId", "cannot call yourself")
	case !req.MediaKind.Valid():
		return apperrors.InvalidInput("mediaKind", "must be one of audio, video, screen")
	}
	return nil
}

func (s *Service) newEntry(req StartRequest) *entry {
	now := s.now()
	return &entry{
		s: model.CallSession{
			ID:             s.newID(),
			CallerID:       req.CallerID,
			CalleeID:       req.CalleeID,
			MediaKind:      req.MediaKind,
			State:          model.CallStateInitiated,
			CreatedAt:      now,
			LastActivityAt: now,
			Flags:          make(map[string]model.MediaFlags),
		},
		callerName: req.CallerName,
		inbound:    signaling.NewDeduplicator(),
		requests:   make(map[string]struct{}),
		described:  make(map[string]bool),
		pending:    make(map[string][]model.SignalingMessage),
	}
}

// claim registers e and indexes both participants atomically. replacing is
// the id of a session whose index entries e may take over.
func (s *Service) claim(e *entry, replacing string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.active[e.s.CallerID]; ok && ref.sessionID != replacing {
		return apperrors.AlreadyInCall()
	}
	if ref, ok := s.active[e.s.CalleeID]; ok && ref.sessionID != replacing {
		return apperrors.Busy(e.s.CalleeID)
	}
	s.sessions[e.s.ID] = e
	s.active[e.s.CallerID] = activeRef{sessionID: e.s.ID, peerID: e.s.CalleeID}
	s.active[e.s.CalleeID] = activeRef{sessionID: e.s.ID, peerID: e.s.CallerID}
	return nil
}

func (s *Service) store(e *entry) {
	s.mu.Lock()
	s.sessions[e.s.ID] = e
	s.mu.Unlock()
}

// release drops the participants' index entries if they still point at e.
func (s *Service) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range []string{e.s.CallerID, e.s.CalleeID} {
		if ref, ok := s.active[u]; ok && ref.sessionID == e.s.ID {
			delete(s.active, u)
		}
	}
}

func (s *Service) lookup(sessionID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func startKey(req StartRequest) string {
	return req.CallerID + "\x00" + req.RequestID
}

func (s *Service) rememberStart(req StartRequest, sessionID string) {
	if req.RequestID == "" {
		return
	}
	s.mu.Lock()
	s.starts[startKey(req)] = sessionID
	s.mu.Unlock()
}

func (s *Service) replayedStart(req StartRequest) (model.CallSessionView, bool) {
	if req.RequestID == "" {
		return model.CallSessionView{}, false
	}
	s.mu.RLock()
	id, ok := s.starts[startKey(req)]
	e := s.sessions[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return model.CallSessionView{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.View(), true
}

func (s *Service) publishBusy(req StartRequest) {
	log.Info().
		Str("callerId", req.CallerID).
		Str("calleeId", req.CalleeID).
		Msg("call refused: callee busy")
	s.publisher.Publish(events.Busy(events.BusyAttempt{
		ID:          s.newID(),
		CallerID:    req.CallerID,
		CalleeID:    req.CalleeID,
		MediaKind:   req.MediaKind,
		AttemptedAt: s.now(),
	}))
}

// sendInvite must be called with e.mu held.
func (s *Service) sendInvite(e *entry) {
	payload, _ := json.Marshal(model.InviteMetadata{
		CallerID:   e.s.CallerID,
		CallerName: e.callerName,
		MediaKind:  e.s.MediaKind,
	})
	s.signal(e, e.s.CallerID, model.SignalInvite, payload)
}

// signal sends a message on behalf of from to the other participant. Must
// be called with e.mu held.
func (s *Service) signal(e *entry, from string, kind model.SignalKind, payload json.RawMessage) {
	s.relay.Send(model.SignalingMessage{
		SessionID: e.s.ID,
		FromUser:  from,
		ToUser:    e.s.Peer(from),
		Kind:      kind,
		Payload:   payload,
	}, s.onDelivery)
}

// GetSession returns the current view of a session, terminal or not, until
// it is evicted.
func (s *Service) GetSession(sessionID string) (model.CallSessionView, error) {
	e := s.lookup(sessionID)
	if e == nil {
		return model.CallSessionView{}, apperrors.NotFound("Call")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.View(), nil
}

// GetActiveSessionFor returns the user's non-terminal session, or nil.
func (s *Service) GetActiveSessionFor(userID string) *model.CallSessionView {
	s.mu.RLock()
	ref, ok := s.active[userID]
	e := s.sessions[ref.sessionID]
	s.mu.RUnlock()
	if !ok || e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.IsTerminal() {
		return nil
	}
	view := e.s.View()
	return &view
}

// ActiveCount returns the number of non-terminal sessions.
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make(map[string]struct{}, len(s.active)/2)
	for _, ref := range s.active {
		sessions[ref.sessionID] = struct{}{}
	}
	return len(sessions)
}

// Close stops every armed timer. Sessions stay queryable.
func (s *Service) Close() {
	for _, e := range s.snapshot() {
		e.mu.Lock()
		e.stopTimer()
		e.mu.Unlock()
	}
}

func (s *Service) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	return out
}

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{x, y}
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks hands out one mutex per unordered user pair, discarding it once
// nobody holds or waits for it.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairLock)}
}

func (p *pairLocks) lock(x, y string) func() {
	k := newPairKey(x, y)

	p.mu.Lock()
	l := p.locks[k]
	if l == nil {
		l = &pairLock{}
		p.locks[k] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, k)
		}
		p.mu.Unlock()
	}
}
