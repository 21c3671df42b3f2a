package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/events"
	"github.com/crmdesk/call-signaling/internal/model"
	"github.com/crmdesk/call-signaling/internal/signaling"
)

type timerKind string

const (
	timerRing        timerKind = "ring"
	timerNegotiation timerKind = "negotiation"
)

type entry struct {
	mu sync.Mutex
	s  model.CallSession

	callerName string

	// timerGen invalidates timers that fired after the state that armed
	// them was left.
	timerGen uint64
	timer    *time.Timer

	inbound  *signaling.Deduplicator
	requests map[string]struct{}

	// described[u] is true once an offer or answer has been relayed to u;
	// until then candidates for u wait in pending[u].
	described map[string]bool
	pending   map[string][]model.SignalingMessage
}

func (e *entry) stopTimer() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// transition is the single mutation path of a session's state. It must be
// called with e.mu held.
func (s *Service) transition(e *entry, to model.CallState, reason model.EndReason) error {
	from := e.s.State
	if !from.CanTransitionTo(to) {
		return apperrors.InvalidTransition(string(from), string(to))
	}

	now := s.now()
	e.s.State = to
	e.s.LastActivityAt = now
	e.stopTimer()

	switch to {
	case model.CallStateRinging:
		s.armTimer(e, timerRing, s.cfg.RingTimeout)
	case model.CallStateAccepted:
		e.s.AcceptedAt = &now
		video := e.s.MediaKind != model.MediaKindAudio
		e.s.Flags[e.s.CallerID] = model.MediaFlags{VideoEnabled: video}
		e.s.Flags[e.s.CalleeID] = model.MediaFlags{VideoEnabled: video}
		s.armTimer(e, timerNegotiation, s.cfg.NegotiationTimeout)
		s.presence.SetInCall(e.s.CallerID)
		s.presence.SetInCall(e.s.CalleeID)
	}

	if to.IsTerminal() {
		if reason == "" {
			reason = model.EndReasonFor(to)
		}
		e.s.EndedAt = &now
		e.s.EndReason = reason
		e.described = nil
		e.pending = nil
		if from.InProgress() {
			s.presence.SetAvailable(e.s.CallerID)
			s.presence.SetAvailable(e.s.CalleeID)
		}
		s.release(e)
	}

	logEvent := log.Info()
	if to == model.CallStateError {
		logEvent = log.Warn()
	}
	logEvent.
		Str("sessionId", e.s.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("endReason", string(e.s.EndReason)).
		Msg("call state changed")

	s.emit(e)
	return nil
}

func (s *Service) emit(e *entry) {
	view := e.s.View()
	switch {
	case view.State == model.CallStateRinging:
		s.publisher.Publish(events.ForSession(events.CallRinging, view))
	case view.State == model.CallStateAccepted:
		s.publisher.Publish(events.ForSession(events.CallAccepted, view))
	case view.State == model.CallStateActive:
		s.publisher.Publish(events.ForSession(events.CallActive, view))
	case view.State == model.CallStateSuperseded:
		// Only the initiator ever saw this session.
		ev := events.ForSession(events.CallEnded, view)
		ev.Recipients = []string{view.CallerID}
		s.publisher.Publish(ev)
	case view.State.IsTerminal():
		s.publisher.Publish(events.ForSession(events.CallEnded, view))
	}
}

func (s *Service) armTimer(e *entry, kind timerKind, d time.Duration) {
	e.timerGen++
	gen := e.timerGen
	id := e.s.ID
	e.timer = time.AfterFunc(d, func() { s.onTimer(id, gen, kind) })
}

func (s *Service) onTimer(sessionID string, gen uint64, kind timerKind) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timerGen != gen {
		return
	}
	e.timer = nil

	switch {
	case kind == timerRing && e.s.State == model.CallStateRinging:
		log.Info().Str("sessionId", sessionID).Msg("ring timeout")
		s.transition(e, model.CallStateMissed, "")
	case kind == timerNegotiation && e.s.State == model.CallStateAccepted:
		log.Warn().Str("sessionId", sessionID).Msg("media negotiation timeout")
		s.transition(e, model.CallStateError, model.EndReasonError)
	}
}

// onDelivery receives the transport's verdict for every message sent on
// behalf of a session.
func (s *Service) onDelivery(msg model.SignalingMessage, err error) {
	e := s.lookup(msg.SessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State.IsTerminal() {
		return
	}
	if err != nil {
		log.Error().Err(err).
			Str("sessionId", msg.SessionID).
			Str("kind", string(msg.Kind)).
			Msg("forcing call to error after delivery failure")
		s.transition(e, model.CallStateError, model.EndReasonError)
		return
	}

	e.s.LastActivityAt = s.now()
	if msg.Kind == model.SignalInvite && e.s.State == model.CallStateInitiated {
		s.transition(e, model.CallStateRinging, "")
	}
}

// HandlePresenceChange force-ends the session of a user who went offline
// and tells the peer about presence changes. It is registered as a presence
// listener.
func (s *Service) HandlePresenceChange(change model.PresenceChange) {
	s.mu.RLock()
	ref, ok := s.active[change.UserID]
	s.mu.RUnlock()

	recipients := []string{change.UserID}
	if ok {
		recipients = append(recipients, ref.peerID)
	}
	ev := events.New(events.PresenceChanged, recipients...)
	ev.Presence = &change
	s.publisher.Publish(ev)

	if change.To != model.PresenceOffline || !ok {
		return
	}

	e := s.lookup(ref.sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.IsTerminal() || !e.s.Involves(change.UserID) {
		return
	}
	log.Warn().
		Str("sessionId", e.s.ID).
		Str("userId", change.UserID).
		Msg("participant went offline, ending call")
	s.transition(e, model.CallStateError, model.EndReasonError)
}

// ReapStale forces to error every live session without signaling activity
// for longer than the stale threshold.
func (s *Service) ReapStale(ctx context.Context) (int64, error) {
	now := s.now()
	var reaped int64
	for _, e := range s.snapshot() {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		e.mu.Lock()
		if !e.s.State.IsTerminal() && now.Sub(e.s.LastActivityAt) > s.cfg.StaleAfter {
			log.Warn().
				Str("sessionId", e.s.ID).
				Time("lastActivityAt", e.s.LastActivityAt).
				Msg("reaping stale call")
			if s.transition(e, model.CallStateError, model.EndReasonError) == nil {
				reaped++
			}
		}
		e.mu.Unlock()
	}
	return reaped, nil
}

// EvictTerminated removes sessions that ended longer ago than the retention
// window. Until then late signals for them resolve as stale.
func (s *Service) EvictTerminated(ctx context.Context) (int64, error) {
	now := s.now()
	var expired []string
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.s.EndedAt != nil && now.Sub(*e.s.EndedAt) > s.cfg.TerminalRetention {
			expired = append(expired, e.s.ID)
		}
		e.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0, nil
	}

	gone := make(map[string]bool, len(expired))
	s.mu.Lock()
	for _, id := range expired {
		delete(s.sessions, id)
		gone[id] = true
	}
	for k, id := range s.starts {
		if gone[id] {
			delete(s.starts, k)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.relay.Forget(id)
	}
	log.Debug().Int("count", len(expired)).Msg("evicted ended calls")
	return int64(len(expired)), nil
}
