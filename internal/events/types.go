// Package events carries call lifecycle notifications to the participants'
// UI streams and to the call history store.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/crmdesk/call-signaling/internal/model"
)

type Type string

const (
	CallRinging          Type = "call.ringing"
	CallAccepted         Type = "call.accepted"
	CallActive           Type = "call.active"
	CallEnded            Type = "call.ended"
	CallBusy             Type = "call.busy"
	CallMediaFlagChanged Type = "call.media_flag_changed"
	PresenceChanged      Type = "presence.changed"
)

// Event is one notification. Recipients are the users whose streams receive
// it; it is not serialized.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	OccurredAt time.Time              `json:"occurredAt"`
	Recipients []string               `json:"-"`
	Session    *model.CallSessionView `json:"session,omitempty"`
	Reason     model.EndReason        `json:"reason,omitempty"`
	MergedInto string                 `json:"mergedInto,omitempty"`
	Attempt    *BusyAttempt           `json:"attempt,omitempty"`
	Flag       *FlagChange            `json:"flag,omitempty"`
	Presence   *model.PresenceChange  `json:"presence,omitempty"`
}

// BusyAttempt describes a call that was refused because the callee was
// already in another call. No session exists for it.
type BusyAttempt struct {
	ID          string          `json:"id"`
	CallerID    string          `json:"callerId"`
	CalleeID    string          `json:"calleeId"`
	MediaKind   model.MediaKind `json:"mediaKind"`
	AttemptedAt time.Time       `json:"attemptedAt"`
}

func (a BusyAttempt) History() model.CallHistoryRecord {
	return model.CallHistoryRecord{
		SessionID: a.ID,
		CallerID:  a.CallerID,
		CalleeID:  a.CalleeID,
		MediaKind: a.MediaKind,
		EndReason: model.EndReasonBusy,
		CreatedAt: a.AttemptedAt,
		EndedAt:   a.AttemptedAt,
	}
}

type FlagChange struct {
	UserID string          `json:"userId"`
	Flag   model.MediaFlag `json:"flag"`
	Value  bool            `json:"value"`
}

func New(t Type, recipients ...string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Recipients: recipients,
	}
}

// ForSession builds a session event addressed to both participants.
func ForSession(t Type, view model.CallSessionView) Event {
	ev := New(t, view.CallerID, view.CalleeID)
	ev.Session = &view
	if t == CallEnded {
		ev.Reason = view.EndReason
		ev.MergedInto = view.MergedInto
	}
	return ev
}

func Busy(attempt BusyAttempt) Event {
	ev := New(CallBusy, attempt.CallerID, attempt.CalleeID)
	ev.Attempt = &attempt
	ev.Reason = model.EndReasonBusy
	return ev
}

func MediaFlagChanged(view model.CallSessionView, change FlagChange) Event {
	ev := ForSession(CallMediaFlagChanged, view)
	ev.Flag = &change
	return ev
}
