package model

import (
	"encoding/json"
	"time"
)

type SignalKind string

const (
	SignalInvite       SignalKind = "invite"
	SignalRingAck      SignalKind = "ring-ack"
	SignalAccept       SignalKind = "accept"
	SignalReject       SignalKind = "reject"
	SignalCancel       SignalKind = "cancel"
	SignalBusy         SignalKind = "busy"
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalMuteState    SignalKind = "mute-state"
	SignalVideoState   SignalKind = "video-state"
	SignalHangup       SignalKind = "hangup"
	SignalHeartbeat    SignalKind = "heartbeat"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalInvite, SignalRingAck, SignalAccept, SignalReject, SignalCancel, SignalBusy,
		SignalOffer, SignalAnswer, SignalICECandidate, SignalMuteState, SignalVideoState,
		SignalHangup, SignalHeartbeat:
		return true
	}
	return false
}

// IsNegotiation reports whether the kind carries media negotiation data.
func (k SignalKind) IsNegotiation() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalICECandidate
}

// IsDescription reports whether the kind carries a session description.
func (k SignalKind) IsDescription() bool {
	return k == SignalOffer || k == SignalAnswer
}

// SignalingMessage is one unit exchanged between the two participants of a
// session. Seq is monotonic per (SessionID, FromUser); Payload is opaque.
type SignalingMessage struct {
	SessionID string          `json:"sessionId"`
	FromUser  string          `json:"fromUser"`
	ToUser    string          `json:"toUser"`
	Seq       uint64          `json:"seq"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
}

// InviteMetadata is the payload of an invite message.
type InviteMetadata struct {
	CallerID   string    `json:"callerId"`
	CallerName string    `json:"callerName,omitempty"`
	MediaKind  MediaKind `json:"mediaKind"`
}

// MediaFlagPayload is the payload of mute-state and video-state messages.
type MediaFlagPayload struct {
	Value bool `json:"value"`
}
