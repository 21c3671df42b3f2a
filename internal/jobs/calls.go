package jobs

import (
	"context"
	"time"
)

type PresenceExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

type SessionSweeper interface {
	ReapStale(ctx context.Context) (int64, error)
	EvictTerminated(ctx context.Context) (int64, error)
}

type HistoryPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewSweepJob expires silent presence first so calls of users who just went
// offline end before the stale reaper looks at them.
func NewSweepJob(presence PresenceExpirer, calls SessionSweeper, interval time.Duration) *CleanupJob {
	return NewCleanupJob("sweep", interval,
		Task{Name: "presence", Run: presence.ExpireStale},
		Task{Name: "stale calls", Run: calls.ReapStale},
		Task{Name: "ended calls", Run: calls.EvictTerminated},
	)
}

func NewRetentionJob(history HistoryPruner, retention time.Duration, interval time.Duration) *CleanupJob {
	return NewCleanupJob("retention", interval,
		Task{Name: "call history", Run: func(ctx context.Context) (int64, error) {
			return history.DeleteOlderThan(ctx, time.Now().Add(-retention))
		}},
	)
}
