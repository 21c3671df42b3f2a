package model

import "time"

type PresenceRecord struct {
	UserID          string         `json:"userId"`
	Status          PresenceStatus `json:"status"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
}

// PresenceChange describes one observed status transition.
type PresenceChange struct {
	UserID string         `json:"userId"`
	From   PresenceStatus `json:"from"`
	To     PresenceStatus `json:"to"`
}

// Identity is the authenticated user issuing a request.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}
