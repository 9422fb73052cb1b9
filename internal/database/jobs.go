package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schoolhub/pkg/types"
)

const jobColumns = `id, kind, session_id, payload, due_at, status, attempts, last_error, created_at, updated_at`

func (m *Manager) EnqueueJob(ctx context.Context, job *types.ScheduledJob) error {
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO scheduled_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			job.ID,
			job.Kind,
			job.SessionID,
			payload,
			toMillis(job.DueAt),
			job.Status,
			job.Attempts,
			job.LastError,
			toMillis(job.CreatedAt),
			toMillis(job.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return types.Conflictf("job %s already enqueued", job.ID)
			}
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	job, err := scanJob(m.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("job %s", id)
	}
	return job, err
}

// ClaimDueJobs leases up to limit due jobs to the caller
// ARCHITECTURAL DISCOVERY: Each candidate is claimed with its own conditional update,
// so two pollers sharing a database never both receive the same job
func (m *Manager) ClaimDueJobs(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*types.ScheduledJob, error) {
	var claimed []*types.ScheduledJob
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM scheduled_jobs
			WHERE status = 'pending' AND due_at <= ?
			ORDER BY due_at ASC LIMIT ?
		`, toMillis(now), limit)
		if err != nil {
			return fmt.Errorf("failed to query due jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		claimed = claimed[:0]
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE scheduled_jobs SET status = 'processing', lease_until = ?, updated_at = ?
				WHERE id = ? AND status = 'pending'
			`, toMillis(leaseUntil), toMillis(now), id)
			if err != nil {
				return fmt.Errorf("failed to claim job: %w", err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
			if err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return tx.Commit()
	})
	return claimed, err
}

func (m *Manager) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return m.finishJob(ctx, `
		UPDATE scheduled_jobs SET status = 'completed', lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, toMillis(at), id)
}

// RetryJob returns a processing job to pending with a new due time
func (m *Manager) RetryJob(ctx context.Context, id string, dueAt time.Time, attempts int, lastErr string, at time.Time) error {
	return m.finishJob(ctx, `
		UPDATE scheduled_jobs
		SET status = 'pending', due_at = ?, attempts = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, toMillis(dueAt), attempts, lastErr, toMillis(at), id)
}

func (m *Manager) FailJob(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return m.finishJob(ctx, `
		UPDATE scheduled_jobs
		SET status = 'failed', attempts = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, attempts, lastErr, toMillis(at), id)
}

// ReleaseExpiredLeases hands jobs of a crashed worker back to the poller
func (m *Manager) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var released int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET status = 'pending', lease_until = NULL, updated_at = ?
			WHERE status = 'processing' AND lease_until IS NOT NULL AND lease_until < ?
		`, toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to release leases: %w", err)
		}
		released, err = rowsAffected(res)
		return err
	})
	return released, err
}

func (m *Manager) finishJob(ctx context.Context, query string, args ...interface{}) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return types.Conflictf("job is not processing")
		}
		return nil
	})
}

func scanJob(row rowScanner) (*types.ScheduledJob, error) {
	var (
		job                         types.ScheduledJob
		payload                     string
		dueAt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.SessionID,
		&payload,
		&dueAt,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Payload = []byte(payload)
	job.DueAt = fromMillis(dueAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}
