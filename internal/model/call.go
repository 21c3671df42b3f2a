package model

import "time"

// MediaFlags is the per-participant media metadata relayed between peers.
type MediaFlags struct {
	Muted        bool `json:"muted"`
	VideoEnabled bool `json:"videoEnabled"`
}

// CallSession is one call attempt between two users. It is owned by the call
// service and copied out as a CallSessionView for readers.
type CallSession struct {
	ID             string
	CallerID       string
	CalleeID       string
	MediaKind      MediaKind
	State          CallState
	CreatedAt      time.Time
	AcceptedAt     *time.Time
	EndedAt        *time.Time
	EndReason      EndReason
	LastActivityAt time.Time
	MergedInto     string
	Flags          map[string]MediaFlags
}

func (s *CallSession) Involves(userID string) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// Peer returns the other participant, or "" if userID is not part of the call.
func (s *CallSession) Peer(userID string) string {
	switch userID {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	}
	return ""
}

// Duration is the connected time of a terminal session; zero if it was
// never accepted.
func (s *CallSession) Duration() time.Duration {
	if s.AcceptedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.AcceptedAt)
}

func (s *CallSession) View() CallSessionView {
	flags := make(map[string]MediaFlags, len(s.Flags))
	for k, v := range s.Flags {
		flags[k] = v
	}
	return CallSessionView{
		ID:             s.ID,
		CallerID:       s.CallerID,
		CalleeID:       s.CalleeID,
		MediaKind:      s.MediaKind,
		State:          s.State,
		CreatedAt:      s.CreatedAt,
		AcceptedAt:     s.AcceptedAt,
		EndedAt:        s.EndedAt,
		EndReason:      s.EndReason,
		LastActivityAt: s.LastActivityAt,
		MergedInto:     s.MergedInto,
		Flags:          flags,
	}
}

// CallSessionView is the read projection handed to the UI.
type CallSessionView struct {
	ID             string                `json:"id"`
	CallerID       string                `json:"callerId"`
	CalleeID       string                `json:"calleeId"`
	MediaKind      MediaKind             `json:"mediaKind"`
	State          CallState             `json:"state"`
	CreatedAt      time.Time             `json:"createdAt"`
	AcceptedAt     *time.Time            `json:"acceptedAt,omitempty"`
	EndedAt        *time.Time            `json:"endedAt,omitempty"`
	EndReason      EndReason             `json:"endReason,omitempty"`
	LastActivityAt time.Time             `json:"lastActivityAt"`
	MergedInto     string                `json:"mergedInto,omitempty"`
	Flags          map[string]MediaFlags `json:"flags"`
}

// CallHistoryRecord is the archived summary of a terminal session.
type CallHistoryRecord struct {
	SessionID       string     `db:"session_id" json:"sessionId"`
	CallerID        string     `db:"caller_id" json:"callerId"`
	CalleeID        string     `db:"callee_id" json:"calleeId"`
	MediaKind       MediaKind  `db:"media_kind" json:"mediaKind"`
	EndReason       EndReason  `db:"end_reason" json:"endReason"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	AcceptedAt      *time.Time `db:"accepted_at" json:"acceptedAt,omitempty"`
	EndedAt         time.Time  `db:"ended_at" json:"endedAt"`
	DurationSeconds int        `db:"duration_seconds" json:"durationSeconds"`
}

// History builds the archive summary of a terminal session.
func (v CallSessionView) History() CallHistoryRecord {
	rec := CallHistoryRecord{
		SessionID:  v.ID,
		CallerID:   v.CallerID,
		CalleeID:   v.CalleeID,
		MediaKind:  v.MediaKind,
		EndReason:  v.EndReason,
		CreatedAt:  v.CreatedAt,
		AcceptedAt: v.AcceptedAt,
	}
	if v.EndedAt != nil {
		rec.EndedAt = *v.EndedAt
		if v.AcceptedAt != nil {
			rec.DurationSeconds = int(v.EndedAt.Sub(*v.AcceptedAt).Seconds())
		}
	}
	return rec
}
