package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"schoolhub/pkg/types"
)

// CreateChatRoom inserts the room and its members in one transaction
func (m *Manager) CreateChatRoom(ctx context.Context, room *types.ChatRoom) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_rooms (id, name, class_id, created_at) VALUES (?, ?, ?, ?)`,
			room.ID, room.Name, room.ClassID, toMillis(room.CreatedAt)); err != nil {
			if isUniqueViolation(err) {
				return types.Conflictf("chat room %s already exists", room.ID)
			}
			return fmt.Errorf("failed to insert chat room: %w", err)
		}
		for _, userID := range room.MemberIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_room_members (chat_room_id, user_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING
			`, room.ID, userID); err != nil {
				return fmt.Errorf("failed to insert chat member: %w", err)
			}
		}
		return tx.Commit()
	})
}

// IsChatRoomMember reports membership; an unknown room is not found
func (m *Manager) IsChatRoomMember(ctx context.Context, chatRoomID, userID string) (bool, error) {
	var exists, member int
	err := m.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM chat_rooms WHERE id = ?),
			(SELECT COUNT(*) FROM chat_room_members WHERE chat_room_id = ? AND user_id = ?)
	`, chatRoomID, chatRoomID, userID).Scan(&exists, &member)
	if err != nil {
		return false, fmt.Errorf("failed to query chat membership: %w", err)
	}
	if exists == 0 {
		return false, types.NotFoundf("chat room %s", chatRoomID)
	}
	return member > 0, nil
}

func (m *Manager) StoreMessage(ctx context.Context, msg *types.Message) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, chat_room_id, sender_id, sender_role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ChatRoomID, msg.SenderID, msg.SenderRole, msg.Content, toMillis(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns a room's history oldest first
func (m *Manager) ListMessages(ctx context.Context, chatRoomID string, limit int) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, chat_room_id, sender_id, sender_role, content, created_at
		FROM (
			SELECT * FROM messages WHERE chat_room_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC
	`, chatRoomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*types.Message
	for rows.Next() {
		var (
			msg       types.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ChatRoomID, &msg.SenderID, &msg.SenderRole, &msg.Content, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		list = append(list, &msg)
	}
	return list, rows.Err()
}
