package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schoolhub/pkg/types"
)

const notificationColumns = `id, title, message, recipient_type, recipient_ids, sender_id, sender_role,
	sent, sent_at, created_at, scheduled_at`

func (m *Manager) CreateNotification(ctx context.Context, n *types.Notification) error {
	recipients, err := encodeIDs(n.RecipientIDs)
	if err != nil {
		return err
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (`+notificationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			n.ID,
			n.Title,
			n.Message,
			n.RecipientType,
			recipients,
			n.SenderID,
			n.SenderRole,
			n.Sent,
			nullMillis(n.SentAt),
			toMillis(n.CreatedAt),
			nullMillis(n.ScheduledAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("notification %s", id)
	}
	return n, err
}

// MarkSent claims a notification for delivery
// ARCHITECTURAL DISCOVERY: Only the caller that flips sent 0 -> 1 fans out, which
// is what makes overlapping sweeps deliver once
func (m *Manager) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	var won bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE notifications SET sent = 1, sent_at = ? WHERE id = ? AND sent = 0`, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("failed to mark notification sent: %w", err)
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

// ListDueNotifications returns unsent notifications whose time has come,
// including immediate ones whose claim never happened
func (m *Manager) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*types.Notification, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE sent = 0 AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY COALESCE(scheduled_at, created_at) ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*types.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// MarkRead records a per-recipient read; repeating it keeps the first read time
func (m *Manager) MarkRead(ctx context.Context, id, userID string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notification_reads (notification_id, user_id, read_at)
			VALUES (?, ?, ?)
			ON CONFLICT (notification_id, user_id) DO NOTHING
		`, id, userID, toMillis(at))
		if err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		return nil
	})
}

func (m *Manager) IsRead(ctx context.Context, id, userID string) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_reads WHERE notification_id = ? AND user_id = ?`, id, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query read state: %w", err)
	}
	return n > 0, nil
}

// ListNotificationsFor returns sent notifications addressed to identity, newest first
func (m *Manager) ListNotificationsFor(ctx context.Context, identity types.Identity, limit int) ([]*types.Notification, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`,
			EXISTS (SELECT 1 FROM notification_reads r WHERE r.notification_id = n.id AND r.user_id = ?)
		FROM notifications n
		WHERE n.sent = 1 AND (
			n.recipient_type = 'global'
			OR (n.recipient_type = 'role' AND EXISTS (SELECT 1 FROM json_each(n.recipient_ids) WHERE value = ?))
			OR (n.recipient_type = 'student' AND EXISTS (SELECT 1 FROM json_each(n.recipient_ids) WHERE value = ?))
		)
		ORDER BY n.created_at DESC
		LIMIT ?
	`, identity.UserID, string(identity.Role), identity.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*types.Notification
	for rows.Next() {
		var read bool
		n, err := scanNotification(rows, &read)
		if err != nil {
			return nil, err
		}
		n.IsRead = read
		list = append(list, n)
	}
	return list, rows.Err()
}

func scanNotification(row rowScanner, extra ...interface{}) (*types.Notification, error) {
	var (
		n                   types.Notification
		recipients          string
		sentAt, scheduledAt sql.NullInt64
		createdAt           int64
	)
	dest := []interface{}{
		&n.ID,
		&n.Title,
		&n.Message,
		&n.RecipientType,
		&recipients,
		&n.SenderID,
		&n.SenderRole,
		&n.Sent,
		&sentAt,
		&createdAt,
		&scheduledAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}
	var err error
	if n.RecipientIDs, err = decodeIDs(recipients); err != nil {
		return nil, err
	}
	n.SentAt = timePtr(sentAt)
	n.ScheduledAt = timePtr(scheduledAt)
	n.CreatedAt = fromMillis(createdAt)
	return &n, nil
}
