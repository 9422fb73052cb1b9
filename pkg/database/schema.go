package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the database matches what the repositories expect
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"users":                "Directory",
	"live_sessions":        "Live session lifecycle",
	"session_participants": "Live session presence",
	"session_durations":    "Attendance records",
	"chat_rooms":           "Chat rooms",
	"chat_room_members":    "Chat membership",
	"messages":             "Chat messages",
	"notifications":        "Notification fan-out",
	"notification_reads":   "Per-recipient read state",
	"leaves":               "Leave workflow",
	"scheduled_jobs":       "Delayed jobs",
	"schema_migrations":    "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_live_sessions_status":      "Session status lookups",
	"idx_notifications_unsent":      "Notification sweep",
	"idx_scheduled_jobs_due":        "Job poller",
	"idx_messages_room_time":        "Message history",
	"idx_session_durations_session": "Attendance per session",
}

// Validate runs every check in order
func (v *SchemaValidator) Validate(ctx context.Context) error {
	if err := v.ValidateTablesExist(ctx); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(ctx); err != nil {
		return err
	}
	if err := v.ValidateIndexes(ctx); err != nil {
		return err
	}
	return v.ValidateConstraints(ctx)
}

func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	for table, description := range requiredTables {
		exists, err := v.objectExists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure checks the columns the conditional updates rely on
// TECHNICAL DISCOVERY: Timestamps must be INTEGER so due/scheduled comparisons
// in SQL are numeric rather than lexical
func (v *SchemaValidator) ValidateTableStructure(ctx context.Context) error {
	checks := map[string]map[string]string{
		"live_sessions": {
			"id":           "TEXT",
			"status":       "TEXT",
			"room_id":      "TEXT",
			"scheduled_at": "INTEGER",
			"student_ids":  "TEXT",
		},
		"notifications": {
			"id":             "TEXT",
			"recipient_type": "TEXT",
			"sent":           "INTEGER",
			"scheduled_at":   "INTEGER",
		},
		"scheduled_jobs": {
			"id":          "TEXT",
			"status":      "TEXT",
			"due_at":      "INTEGER",
			"attempts":    "INTEGER",
			"lease_until": "INTEGER",
		},
		"leaves": {
			"id":     "TEXT",
			"status": "TEXT",
		},
	}
	for table, columns := range checks {
		if err := v.validateColumns(ctx, table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints exercises CHECK and UNIQUE constraints inside a transaction
// that is always rolled back
func (v *SchemaValidator) ValidateConstraints(ctx context.Context) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO live_sessions (id, title, class_id, teacher_id, scheduled_at, status, room_id, created_at, updated_at)
		VALUES ('__check', 'check', 'c', 't', 0, 'paused', '__check_room', 0, 0)
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: live_sessions.status")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO live_sessions (id, title, class_id, teacher_id, scheduled_at, room_id, created_at, updated_at)
		VALUES ('__check', 'check', 'c', 't', 0, '__check_room', 0, 0)
	`); err != nil {
		return fmt.Errorf("failed to create check session: %w", err)
	}

	insertDuration := `
		INSERT INTO session_durations (id, user_id, session_id, duration_seconds, join_time, leave_time, created_at)
		VALUES (?, 'u', '__check', 0, 0, 0, 0)
	`
	if _, err := tx.ExecContext(ctx, insertDuration, "__d1"); err != nil {
		return fmt.Errorf("failed to create check duration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertDuration, "__d2"); err == nil {
		return fmt.Errorf("unique constraint not enforced: session_durations(user_id, session_id)")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_durations (id, user_id, session_id, duration_seconds, join_time, leave_time, created_at)
		VALUES ('__d3', 'orphan', 'missing', 0, 0, 0, 0)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: session_durations.session_id")
	}

	return nil
}

func (v *SchemaValidator) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(ctx context.Context, tableName string, expected map[string]string) error {
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, dtype  string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &dtype, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dtype
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, want := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != want {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, want)
		}
	}
	return nil
}
