package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	dbconfig "schoolhub/pkg/database"
	"schoolhub/pkg/interfaces"
)

// Compile-time checks that Manager is the canonical repository for every entity
var (
	_ interfaces.SessionRepository      = (*Manager)(nil)
	_ interfaces.DurationRepository     = (*Manager)(nil)
	_ interfaces.NotificationRepository = (*Manager)(nil)
	_ interfaces.LeaveRepository        = (*Manager)(nil)
	_ interfaces.ChatRepository         = (*Manager)(nil)
	_ interfaces.Directory              = (*Manager)(nil)
	_ interfaces.JobStore               = (*Manager)(nil)
	_ interfaces.HealthChecker          = (*Manager)(nil)
)

// Manager owns the SQLite handle and serialises writes
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies the embedded schema and validates the result
func (m *Manager) Migrate(ctx context.Context) ([]string, error) {
	applied, err := dbconfig.NewMigrationManager(m.db, dbconfig.Migrations).ApplyMigrations(ctx)
	if err != nil {
		return applied, err
	}
	if err := dbconfig.NewSchemaValidator(m.db).Validate(ctx); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	return applied, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)
		case <-m.shutdown:
			return
		}
	}
}

// runWrite executes one write, retrying only on lock contention
// FUNCTIONAL DISCOVERY: Constraint and logic failures are permanent; retrying them
// would only delay the caller's error
func (m *Manager) runWrite(op writeOperation) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	attempt := 0
	_, err := backoff.Retry(op.ctx, func() (struct{}, error) {
		attempt++
		err := op.operation(m.db)
		if err == nil {
			return struct{}{}, nil
		}
		if !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		zerolog.Ctx(op.ctx).Warn().Err(err).Int("attempt", attempt).Msg("database busy, retrying write")
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(5))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB returns the underlying handle
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close shuts down the writer and the connection pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
