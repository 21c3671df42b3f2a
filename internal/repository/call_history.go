package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crmdesk/call-signaling/internal/database"
	"github.com/crmdesk/call-signaling/internal/model"
)

type CallHistoryRepository interface {
	Create(ctx context.Context, rec *model.CallHistoryRecord) error
	FindBySessionID(ctx context.Context, sessionID string) (*model.CallHistoryRecord, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.CallHistoryRecord, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type callHistoryRepo struct {
	db database.DBTX
}

func NewCallHistoryRepository(db *sqlx.DB) CallHistoryRepository {
	return &callHistoryRepo{db: db}
}

// Create inserts rec. Recording the same session twice keeps the first row.
func (r *callHistoryRepo) Create(ctx context.Context, rec *model.CallHistoryRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO call_history
			(session_id, caller_id, callee_id, media_kind, end_reason,
			 created_at, accepted_at, ended_at, duration_seconds)
		VALUES
			(:session_id, :caller_id, :callee_id, :media_kind, :end_reason,
			 :created_at, :accepted_at, :ended_at, :duration_seconds)
		ON CONFLICT (session_id) DO NOTHING
	`, rec)
	return err
}

func (r *callHistoryRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.CallHistoryRecord, error) {
	var rec model.CallHistoryRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM call_history WHERE session_id = $1`, sessionID)
	return optional(&rec, err)
}

func (r *callHistoryRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.CallHistoryRecord, error) {
	recs := []model.CallHistoryRecord{}
	err := r.db.SelectContext(ctx, &recs, `
		SELECT * FROM call_history
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY ended_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return recs, err
}

func (r *callHistoryRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM call_history WHERE caller_id = $1 OR callee_id = $1
	`, userID)
	return count, err
}

func (r *callHistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM call_history WHERE ended_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
