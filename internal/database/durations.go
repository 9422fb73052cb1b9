package database

import (
	"context"
	"database/sql"
	"fmt"

	"schoolhub/pkg/types"
)

// RecordDuration appends an attendance record once per user per session
func (m *Manager) RecordDuration(ctx context.Context, r *types.SessionDurationRecord) (bool, error) {
	var inserted bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO session_durations (id, user_id, session_id, duration_seconds, join_time, leave_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, session_id) DO NOTHING
		`,
			r.ID,
			r.UserID,
			r.SessionID,
			r.DurationSeconds,
			toMillis(r.JoinTime),
			toMillis(r.LeaveTime),
			toMillis(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert duration record: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

func (m *Manager) ListDurations(ctx context.Context, sessionID string) ([]*types.SessionDurationRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, duration_seconds, join_time, leave_time, created_at
		FROM session_durations WHERE session_id = ? ORDER BY created_at ASC, user_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query durations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.SessionDurationRecord
	for rows.Next() {
		var (
			r                            types.SessionDurationRecord
			joinTime, leaveTime, created int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.DurationSeconds, &joinTime, &leaveTime, &created); err != nil {
			return nil, fmt.Errorf("failed to scan duration: %w", err)
		}
		r.JoinTime = fromMillis(joinTime)
		r.LeaveTime = fromMillis(leaveTime)
		r.CreatedAt = fromMillis(created)
		records = append(records, &r)
	}
	return records, rows.Err()
}
