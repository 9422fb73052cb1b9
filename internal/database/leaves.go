package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schoolhub/pkg/types"
)

func (m *Manager) CreateLeave(ctx context.Context, l *types.Leave) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO leaves (id, student_id, date, reason, status, decided_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, l.StudentID, l.Date, l.Reason, l.Status, l.DecidedBy, toMillis(l.CreatedAt), toMillis(l.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert leave: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetLeave(ctx context.Context, id string) (*types.Leave, error) {
	var (
		l                    types.Leave
		createdAt, updatedAt int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, student_id, date, reason, status, decided_by, created_at, updated_at
		FROM leaves WHERE id = ?
	`, id).Scan(&l.ID, &l.StudentID, &l.Date, &l.Reason, &l.Status, &l.DecidedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("leave %s", id)
		}
		return nil, fmt.Errorf("failed to query leave: %w", err)
	}
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

// DecideLeave moves a pending leave to a terminal status exactly once
func (m *Manager) DecideLeave(ctx context.Context, id string, status types.LeaveStatus, decidedBy string, at time.Time) (bool, error) {
	var won bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE leaves SET status = ?, decided_by = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, status, decidedBy, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("failed to decide leave: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		won = n == 1
		return nil
	})
	return won, err
}
