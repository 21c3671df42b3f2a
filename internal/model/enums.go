package model

type MediaKind string

const (
	MediaKindAudio  MediaKind = "audio"
	MediaKindVideo  MediaKind = "video"
	MediaKindScreen MediaKind = "screen"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindAudio, MediaKindVideo, MediaKindScreen:
		return true
	}
	return false
}

// CallState is the lifecycle state of a CallSession.
type CallState string

const (
	CallStateInitiated  CallState = "initiated"
	CallStateRinging    CallState = "ringing"
	CallStateAccepted   CallState = "accepted"
	CallStateActive     CallState = "active"
	CallStateCompleted  CallState = "completed"
	CallStateRejected   CallState = "rejected"
	CallStateCancelled  CallState = "cancelled"
	CallStateMissed     CallState = "missed"
	CallStateError      CallState = "error"
	CallStateSuperseded CallState = "superseded"
)

var validTransitions = map[CallState][]CallState{
	CallStateInitiated:  {CallStateRinging, CallStateCancelled, CallStateError, CallStateSuperseded},
	CallStateRinging:    {CallStateAccepted, CallStateRejected, CallStateCancelled, CallStateMissed, CallStateError, CallStateSuperseded},
	CallStateAccepted:   {CallStateActive, CallStateCompleted, CallStateError, CallStateSuperseded},
	CallStateActive:     {CallStateCompleted, CallStateError, CallStateSuperseded},
	CallStateCompleted:  {},
	CallStateRejected:   {},
	CallStateCancelled:  {},
	CallStateMissed:     {},
	CallStateError:      {},
	CallStateSuperseded: {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

func (s CallState) IsTerminal() bool {
	switch s {
	case CallStateCompleted, CallStateRejected, CallStateCancelled,
		CallStateMissed, CallStateError, CallStateSuperseded:
		return true
	}
	return false
}

// InProgress reports whether media negotiation may take place.
func (s CallState) InProgress() bool {
	return s == CallStateAccepted || s == CallStateActive
}

type EndReason string

const (
	EndReasonCompleted  EndReason = "completed"
	EndReasonRejected   EndReason = "rejected"
	EndReasonMissed     EndReason = "missed"
	EndReasonCancelled  EndReason = "cancelled"
	EndReasonBusy       EndReason = "busy"
	EndReasonError      EndReason = "error"
	EndReasonSuperseded EndReason = "superseded"
)

// EndReasonFor returns the end reason recorded when a session enters a
// terminal state.
func EndReasonFor(s CallState) EndReason {
	switch s {
	case CallStateCompleted:
		return EndReasonCompleted
	case CallStateRejected:
		return EndReasonRejected
	case CallStateCancelled:
		return EndReasonCancelled
	case CallStateMissed:
		return EndReasonMissed
	case CallStateSuperseded:
		return EndReasonSuperseded
	case CallStateError:
		return EndReasonError
	}
	return ""
}

type PresenceStatus string

const (
	PresenceOffline PresenceStatus = "offline"
	PresenceOnline  PresenceStatus = "online"
	PresenceInCall  PresenceStatus = "in-call"
)

type MediaFlag string

const (
	MediaFlagMuted        MediaFlag = "muted"
	MediaFlagVideoEnabled MediaFlag = "videoEnabled"
)
