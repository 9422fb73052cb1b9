package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schoolhub/pkg/types"
)

func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var u types.User
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, email, role FROM users WHERE id = ?`, userID).Scan(&u.ID, &u.Name, &u.Email, &u.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("user %s", userID)
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// SaveUser inserts or updates a directory entry
func (m *Manager) SaveUser(ctx context.Context, u *types.User) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, name, email, role, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, role = excluded.role
		`, u.ID, u.Name, u.Email, u.Role, toMillis(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		return nil
	})
}
