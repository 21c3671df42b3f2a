package call

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/model"
)

// Outcome is how an inbound signaling message was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
)

// HandleSignal applies one message sent by a participant's client. The
// caller must have set FromUser to the authenticated user; ToUser is always
// rewritten to the other participant. Messages for ended or unknown
// sessions are dropped with OutcomeStale rather than an error.
func (s *Service) HandleSignal(ctx context.Context, msg model.SignalingMessage) (Outcome, error) {
	switch {
	case msg.SessionID == "":
		return "", apperrors.MissingRequired("sessionId")
	case msg.Seq == 0:
		return "", apperrors.MissingRequired("seq")
	case !msg.Kind.Valid():
		return "", apperrors.InvalidInput("kind", "unknown signaling kind")
	case msg.Kind == model.SignalInvite:
		return "", apperrors.InvalidInput("kind", "calls are started through the calls API")
	}

	e := s.lookup(msg.SessionID)
	if e == nil {
		logStale(msg, "unknown session")
		return OutcomeStale, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.Involves(msg.FromUser) {
		return "", apperrors.NotFound("Call").WithCause(ErrNotParticipant)
	}
	if e.inbound.Seen(msg.SessionID, msg.FromUser, msg.Seq) {
		log.Debug().
			Str("sessionId", msg.SessionID).
			Str("fromUser", msg.FromUser).
			Uint64("seq", msg.Seq).
			Msg("dropping duplicate signal")
		return OutcomeDuplicate, nil
	}
	if e.s.State.IsTerminal() {
		e.inbound.Mark(msg.SessionID, msg.FromUser, msg.Seq)
		logStale(msg, string(e.s.State))
		return OutcomeStale, nil
	}

	msg.ToUser = e.s.Peer(msg.FromUser)
	outcome, err := s.applySignal(e, msg)
	if err != nil {
		return "", err
	}
	e.inbound.Mark(msg.SessionID, msg.FromUser, msg.Seq)
	if !e.s.State.IsTerminal() {
		e.s.LastActivityAt = s.now()
	}
	return outcome, nil
}

func (s *Service) applySignal(e *entry, msg model.SignalingMessage) (Outcome, error) {
	from := msg.FromUser
	switch msg.Kind {
	case model.SignalHeartbeat:
		return OutcomeApplied, nil

	case model.SignalRingAck:
		if from != e.s.CalleeID {
			return "", apperrors.InvalidTransition(string(e.s.State), "ring-ack")
		}
		if e.s.State == model.CallStateInitiated {
			if err := s.transition(e, model.CallStateRinging, ""); err != nil {
				return "", err
			}
		}
		return OutcomeApplied, nil

	case model.SignalAccept:
		return OutcomeApplied, s.accept(e, from)
	case model.SignalReject:
		return OutcomeApplied, s.reject(e, from, model.EndReasonRejected)
	case model.SignalBusy:
		return OutcomeApplied, s.reject(e, from, model.EndReasonBusy)
	case model.SignalCancel:
		return OutcomeApplied, s.cancel(e, from)
	case model.SignalHangup:
		return OutcomeApplied, s.hangup(e, from)

	case model.SignalMuteState, model.SignalVideoState:
		var p model.MediaFlagPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", apperrors.InvalidInput("payload", "expected {\"value\": bool}")
		}
		flag := model.MediaFlagMuted
		if msg.Kind == model.SignalVideoState {
			flag = model.MediaFlagVideoEnabled
		}
		return OutcomeApplied, s.updateFlag(e, from, flag, p.Value)

	case model.SignalOffer, model.SignalAnswer, model.SignalICECandidate:
		return s.negotiate(e, msg)
	}
	return "", apperrors.InvalidInput("kind", string(msg.Kind))
}

// negotiate relays offer, answer and candidate payloads without looking at
// them. Candidates for a recipient that has not yet been sent a description
// are held back and flushed right after it.
func (s *Service) negotiate(e *entry, msg model.SignalingMessage) (Outcome, error) {
	if !e.s.State.InProgress() {
		return "", apperrors.InvalidTransition(string(e.s.State), string(msg.Kind))
	}
	to := msg.ToUser

	if msg.Kind == model.SignalICECandidate && !e.described[to] {
		queue := e.pending[to]
		if len(queue) >= s.cfg.CandidateBufferLimit {
			log.Warn().
				Str("sessionId", e.s.ID).
				Str("toUser", to).
				Int("limit", s.cfg.CandidateBufferLimit).
				Msg("candidate buffer full, dropping oldest")
			queue = queue[1:]
		}
		e.pending[to] = append(queue, msg)
		return OutcomeBuffered, nil
	}

	s.forward(msg)
	if msg.Kind.IsDescription() {
		e.described[to] = true
		for _, c := range e.pending[to] {
			s.forward(c)
		}
		delete(e.pending, to)
	}

	// The first answer relayed is the media-readiness signal.
	if msg.Kind == model.SignalAnswer && e.s.State == model.CallStateAccepted {
		if err := s.transition(e, model.CallStateActive, ""); err != nil {
			return "", err
		}
	}
	return OutcomeApplied, nil
}

func (s *Service) forward(msg model.SignalingMessage) {
	s.relay.Send(model.SignalingMessage{
		SessionID: msg.SessionID,
		FromUser:  msg.FromUser,
		ToUser:    msg.ToUser,
		Kind:      msg.Kind,
		Payload:   msg.Payload,
	}, s.onDelivery)
}

func logStale(msg model.SignalingMessage, reason string) {
	log.Info().
		Str("code", string(apperrors.ErrCodeStaleSignal)).
		Str("sessionId", msg.SessionID).
		Str("fromUser", msg.FromUser).
		Str("kind", string(msg.Kind)).
		Str("reason", reason).
		Msg("dropping stale signal")
}
