// Package presence tracks whether users are reachable for signaling.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/call-signaling/internal/model"
)

type Listener func(change model.PresenceChange)

type Tracker struct {
	mu      sync.Mutex
	records map[string]*model.PresenceRecord
	timeout time.Duration
	now     func() time.Time

	listenersMu sync.RWMutex
	listeners   []Listener
}

func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		records: make(map[string]*model.PresenceRecord),
		timeout: timeout,
		now:     time.Now,
	}
}

// OnChange registers fn to be called after every status change. Listeners
// run synchronously, outside the tracker's lock.
func (t *Tracker) OnChange(fn Listener) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenersMu.Unlock()
}

// SetOnline marks a user reachable. A user already in a call stays in-call.
func (t *Tracker) SetOnline(userID string) {
	t.touch(userID, true)
}

// Heartbeat refreshes the user's liveness; an offline user comes back online.
func (t *Tracker) Heartbeat(userID string) {
	t.touch(userID, false)
}

func (t *Tracker) touch(userID string, connect bool) {
	t.mu.Lock()
	rec := t.record(userID)
	rec.LastHeartbeatAt = t.now()
	from := rec.Status
	if rec.Status == model.PresenceOffline {
		rec.Status = model.PresenceOnline
	}
	to := rec.Status
	t.mu.Unlock()

	if connect {
		log.Debug().Str("userId", userID).Msg("user connected")
	}
	t.notify(userID, from, to)
}

func (t *Tracker) SetOffline(userID string) {
	t.set(userID, model.PresenceOffline, nil)
}

// SetInCall moves an online user to in-call.
func (t *Tracker) SetInCall(userID string) {
	t.set(userID, model.PresenceInCall, func(s model.PresenceStatus) bool {
		return s == model.PresenceOnline
	})
}

// SetAvailable moves an in-call user back to online.
func (t *Tracker) SetAvailable(userID string) {
	t.set(userID, model.PresenceOnline, func(s model.PresenceStatus) bool {
		return s == model.PresenceInCall
	})
}

func (t *Tracker) set(userID string, to model.PresenceStatus, allowed func(model.PresenceStatus) bool) {
	t.mu.Lock()
	rec := t.record(userID)
	from := rec.Status
	if allowed != nil && !allowed(from) {
		t.mu.Unlock()
		return
	}
	rec.Status = to
	t.mu.Unlock()

	t.notify(userID, from, to)
}

func (t *Tracker) Status(userID string) model.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return *rec
	}
	return model.PresenceRecord{UserID: userID, Status: model.PresenceOffline}
}

func (t *Tracker) IsReachable(userID string) bool {
	return t.Status(userID).Status != model.PresenceOffline
}

// ExpireStale forces offline every user whose last heartbeat is older than
// the timeout, and forgets offline users that have been silent for much
// longer.
func (t *Tracker) ExpireStale(ctx context.Context) (int64, error) {
	now := t.now()
	var expired []model.PresenceChange

	t.mu.Lock()
	for id, rec := range t.records {
		silent := now.Sub(rec.LastHeartbeatAt)
		if rec.Status == model.PresenceOffline {
			if silent > 10*t.timeout {
				delete(t.records, id)
			}
			continue
		}
		if silent > t.timeout {
			expired = append(expired, model.PresenceChange{UserID: id, From: rec.Status, To: model.PresenceOffline})
			rec.Status = model.PresenceOffline
		}
	}
	t.mu.Unlock()

	for _, c := range expired {
		log.Info().Str("userId", c.UserID).Str("from", string(c.From)).Msg("presence expired")
		t.notify(c.UserID, c.From, c.To)
	}
	return int64(len(expired)), nil
}

func (t *Tracker) record(userID string) *model.PresenceRecord {
	rec, ok := t.records[userID]
	if !ok {
		rec = &model.PresenceRecord{UserID: userID, Status: model.PresenceOffline}
		t.records[userID] = rec
	}
	return rec
}

func (t *Tracker) notify(userID string, from, to model.PresenceStatus) {
	if from == to {
		return
	}
	t.listenersMu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.listenersMu.RUnlock()

	change := model.PresenceChange{UserID: userID, From: from, To: to}
	for _, fn := range listeners {
		fn(change)
	}
}
