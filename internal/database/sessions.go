package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schoolhub/pkg/types"
)

const sessionColumns = `id, title, class_id, teacher_id, student_ids, scheduled_at, status, room_id,
	started_at, ended_at, created_at, updated_at`

// CreateSession inserts a scheduled session
func (m *Manager) CreateSession(ctx context.Context, session *types.LiveSession) error {
	studentIDs, err := encodeIDs(session.StudentIDs)
	if err != nil {
		return err
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO live_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID,
			session.Title,
			session.ClassID,
			session.TeacherID,
			studentIDs,
			toMillis(session.ScheduledAt),
			session.Status,
			session.RoomID,
			nullMillis(session.StartedAt),
			nullMillis(session.EndedAt),
			toMillis(session.CreatedAt),
			toMillis(session.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return types.Conflictf("session %s or room %s already exists", session.ID, session.RoomID)
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession returns the session with its current participants
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.LiveSession, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("session %s", sessionID)
		}
		return nil, err
	}

	session.Participants, err = m.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// TransitionSession is the only way a session's status changes
// ARCHITECTURAL DISCOVERY: The WHERE clause on the current status makes the
// database the arbiter between racing start/end/cancel requests
func (m *Manager) TransitionSession(ctx context.Context, sessionID string, from, to types.SessionStatus, at time.Time) (bool, error) {
	if !types.CanTransition(from, to) {
		return false, types.Conflictf("illegal transition %s -> %s", from, to)
	}

	column := "ended_at"
	if to == types.SessionOngoing {
		column = "started_at"
	}
	query := `UPDATE live_sessions SET status = ?, updated_at = ?, ` + column + ` = ? WHERE id = ? AND status = ?`

	var won bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		ms := toMillis(at)
		res, err := db.ExecContext(ctx, query, to, ms, ms, sessionID, from)
		if err != nil {
			return fmt.Errorf("failed to transition session: %w", err)
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

// ListSessionsByStatus returns sessions in a status ordered by scheduled time
func (m *Manager) ListSessionsByStatus(ctx context.Context, status types.SessionStatus) ([]*types.LiveSession, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM live_sessions WHERE status = ? ORDER BY scheduled_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.LiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpsertParticipant adds a participant, keeping the first join time on rejoin.
// The write only lands while the session is ongoing; otherwise it is a conflict
// TECHNICAL DISCOVERY: The status check is part of the INSERT so an End that
// commits between the caller's read and this write cannot leave a participant behind
func (m *Manager) UpsertParticipant(ctx context.Context, sessionID string, p types.Participant) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO session_participants (session_id, user_id, name, email, role, joined_at)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE EXISTS (SELECT 1 FROM live_sessions WHERE id = ? AND status = ?)
			ON CONFLICT (session_id, user_id) DO UPDATE SET
				name = excluded.name, email = excluded.email, role = excluded.role
		`, sessionID, p.ID, p.Name, p.Email, p.Role, toMillis(p.JoinedAt), sessionID, types.SessionOngoing)
		if err != nil {
			return fmt.Errorf("failed to upsert participant: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return types.Conflictf("session %s is not ongoing", sessionID)
		}
		return nil
	})
}

func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, userID string) (*types.Participant, error) {
	var removed *types.Participant
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT user_id, name, email, role, joined_at
			FROM session_participants WHERE session_id = ? AND user_id = ?
		`, sessionID, userID)
		p, err := scanParticipant(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx,
			`DELETE FROM session_participants WHERE session_id = ? AND user_id = ?`, sessionID, userID); err != nil {
			return fmt.Errorf("failed to remove participant: %w", err)
		}
		removed = &p
		return nil
	})
	return removed, err
}

// ClearParticipants removes and returns every participant of the session
func (m *Manager) ClearParticipants(ctx context.Context, sessionID string) ([]types.Participant, error) {
	var cleared []types.Participant
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		list, err := queryParticipants(ctx, db, sessionID)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM session_participants WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to clear participants: %w", err)
		}
		cleared = list
		return nil
	})
	return cleared, err
}

func (m *Manager) ListParticipants(ctx context.Context, sessionID string) ([]types.Participant, error) {
	return queryParticipants(ctx, m.db, sessionID)
}

func queryParticipants(ctx context.Context, db *sql.DB, sessionID string) ([]types.Participant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, name, email, role, joined_at
		FROM session_participants WHERE session_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	participants := []types.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func scanSession(row rowScanner) (*types.LiveSession, error) {
	var (
		s                    types.LiveSession
		studentIDs           string
		scheduledAt          int64
		startedAt, endedAt   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&s.ID,
		&s.Title,
		&s.ClassID,
		&s.TeacherID,
		&studentIDs,
		&scheduledAt,
		&s.Status,
		&s.RoomID,
		&startedAt,
		&endedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if s.StudentIDs, err = decodeIDs(studentIDs); err != nil {
		return nil, err
	}
	s.ScheduledAt = fromMillis(scheduledAt)
	s.StartedAt = timePtr(startedAt)
	s.EndedAt = timePtr(endedAt)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	s.Participants = []types.Participant{}
	return &s, nil
}

func scanParticipant(row rowScanner) (types.Participant, error) {
	var (
		p        types.Participant
		joinedAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Role, &joinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan participant: %w", err)
	}
	p.JoinedAt = fromMillis(joinedAt)
	return p, nil
}
