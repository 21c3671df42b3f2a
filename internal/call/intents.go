package call

import (
	"context"
	"encoding/json"

	apperrors "github.com/crmdesk/call-signaling/internal/errors"
	"github.com/crmdesk/call-signaling/internal/events"
	"github.com/crmdesk/call-signaling/internal/model"
)

func (s *Service) Accept(ctx context.Context, in Intent) (model.CallSessionView, error) {
	return s.apply(in, func(e *entry) error { return s.accept(e, in.UserID) })
}

func (s *Service) Reject(ctx context.Context, in Intent) (model.CallSessionView, error) {
	return s.apply(in, func(e *entry) error { return s.reject(e, in.UserID, model.EndReasonRejected) })
}

func (s *Service) Cancel(ctx context.Context, in Intent) (model.CallSessionView, error) {
	return s.apply(in, func(e *entry) error { return s.cancel(e, in.UserID) })
}

func (s *Service) Hangup(ctx context.Context, in Intent) (model.CallSessionView, error) {
	return s.apply(in, func(e *entry) error { return s.hangup(e, in.UserID) })
}

// UpdateMediaFlag relays a mute or camera toggle to the peer. It never
// changes the session state.
func (s *Service) UpdateMediaFlag(ctx context.Context, in Intent, flag model.MediaFlag, value bool) (model.CallSessionView, error) {
	if flag != model.MediaFlagMuted && flag != model.MediaFlagVideoEnabled {
		return model.CallSessionView{}, apperrors.InvalidInput("flag", "must be muted or videoEnabled")
	}
	return s.apply(in, func(e *entry) error { return s.updateFlag(e, in.UserID, flag, value) })
}

// apply runs fn under the session lock. An intent carrying a request id that
// was already applied returns the current view without running fn again.
func (s *Service) apply(in Intent, fn func(e *entry) error) (model.CallSessionView, error) {
	e := s.lookup(in.SessionID)
	if e == nil {
		return model.CallSessionView{}, apperrors.NotFound("Call")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.Involves(in.UserID) {
		return model.CallSessionView{}, apperrors.NotFound("Call").WithCause(ErrNotParticipant)
	}
	key := in.UserID + "\x00" + in.RequestID
	if in.RequestID != "" {
		if _, done := e.requests[key]; done {
			return e.s.View(), nil
		}
	}
	if err := fn(e); err != nil {
		return model.CallSessionView{}, err
	}
	if in.RequestID != "" {
		e.requests[key] = struct{}{}
	}
	return e.s.View(), nil
}

func (s *Service) accept(e *entry, by string) error {
	if by != e.s.CalleeID || e.s.State != model.CallStateRinging {
		return apperrors.InvalidTransition(string(e.s.State), "accept")
	}
	if err := s.transition(e, model.CallStateAccepted, ""); err != nil {
		return err
	}
	s.signal(e, by, model.SignalAccept, nil)
	return nil
}

// reject ends a ringing call from the callee side. A busy decline is a
// rejection recorded with the busy reason.
func (s *Service) reject(e *entry, by string, reason model.EndReason) error {
	kind := model.SignalReject
	if reason == model.EndReasonBusy {
		kind = model.SignalBusy
	}
	if by != e.s.CalleeID || e.s.State != model.CallStateRinging {
		return apperrors.InvalidTransition(string(e.s.State), string(kind))
	}
	if err := s.transition(e, model.CallStateRejected, reason); err != nil {
		return err
	}
	s.signal(e, by, kind, nil)
	return nil
}

func (s *Service) cancel(e *entry, by string) error {
	if by != e.s.CallerID ||
		(e.s.State != model.CallStateInitiated && e.s.State != model.CallStateRinging) {
		return apperrors.InvalidTransition(string(e.s.State), "cancel")
	}
	if err := s.transition(e, model.CallStateCancelled, ""); err != nil {
		return err
	}
	s.signal(e, by, model.SignalCancel, nil)
	return nil
}

func (s *Service) hangup(e *entry, by string) error {
	if !e.s.State.InProgress() {
		return apperrors.InvalidTransition(string(e.s.State), "hangup")
	}
	if err := s.transition(e, model.CallStateCompleted, ""); err != nil {
		return err
	}
	s.signal(e, by, model.SignalHangup, nil)
	return nil
}

func (s *Service) updateFlag(e *entry, by string, flag model.MediaFlag, value bool) error {
	if !e.s.State.InProgress() {
		return apperrors.InvalidTransition(string(e.s.State), "update media")
	}

	flags := e.s.Flags[by]
	kind := model.SignalMuteState
	switch flag {
	case model.MediaFlagMuted:
		flags.Muted = value
	case model.MediaFlagVideoEnabled:
		flags.VideoEnabled = value
		kind = model.SignalVideoState
	}
	e.s.Flags[by] = flags
	e.s.LastActivityAt = s.now()

	payload, _ := json.Marshal(model.MediaFlagPayload{Value: value})
	s.signal(e, by, kind, payload)
	s.publisher.Publish(events.MediaFlagChanged(e.s.View(), events.FlagChange{
		UserID: by,
		Flag:   flag,
		Value:  value,
	}))
	return nil
}
