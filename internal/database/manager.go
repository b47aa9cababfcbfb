package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	dbconfig "codeshare/pkg/database"
	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

const (
	writeQueueSize    = 100
	writeQueueTimeout = 30 * time.Second
	defaultRetryDelay = 250 * time.Millisecond
)

// Manager implements interfaces.CodeBlockStore on SQLite. Reads run
// concurrently on the pool; writes are serialised through one goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine. The schema
// is not touched; call Migrate before serving.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending migrations and validates the resulting schema.
func (m *Manager) Migrate() error {
	mm := dbconfig.NewMigrationManager(m.db)
	if err := mm.ApplyMigrations(); err != nil {
		return err
	}
	return mm.ValidateSchema()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// Contention from another process holding the file; one retry.
			if isRetryable(err) {
				log.Warn().Str("module", "database").Err(err).Dur("delay", m.retryDelay).Msg("write contended, retrying")
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Error().Str("module", "database").Err(err).Msg("write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Debug().Str("module", "database").Msg("write loop shutting down")
			return
		}
	}
}

func isRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
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

	timer := time.NewTimer(writeQueueTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// Once queued the operation runs to completion, so its result is always
	// delivered.
	return <-result
}

const selectCodeBlock = `
	SELECT id, name, template, solution, explanation, created_at, updated_at
	FROM code_blocks
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCodeBlock(row rowScanner) (*types.CodeBlock, error) {
	var cb types.CodeBlock
	err := row.Scan(
		&cb.ID,
		&cb.Name,
		&cb.Template,
		&cb.Solution,
		&cb.Explanation,
		&cb.CreatedAt,
		&cb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// GetCodeBlock retrieves a code block by id
func (m *Manager) GetCodeBlock(ctx context.Context, id types.CodeBlockID) (*types.CodeBlock, error) {
	return getCodeBlock(ctx, m.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCodeBlock(ctx context.Context, q queryRower, id types.CodeBlockID) (*types.CodeBlock, error) {
	cb, err := scanCodeBlock(q.QueryRowContext(ctx, selectCodeBlock+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrCodeBlockNotFound
		}
		return nil, fmt.Errorf("failed to query code block: %w", err)
	}
	return cb, nil
}

// ListCodeBlocks returns every code block ordered by id
func (m *Manager) ListCodeBlocks(ctx context.Context) ([]*types.CodeBlock, error) {
	rows, err := m.db.QueryContext(ctx, selectCodeBlock+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query code blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	blocks := make([]*types.CodeBlock, 0)
	for rows.Next() {
		cb, err := scanCodeBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan code block row: %w", err)
		}
		blocks = append(blocks, cb)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating code block rows: %w", err)
	}

	return blocks, nil
}

// CountCodeBlocks returns the number of stored code blocks
func (m *Manager) CountCodeBlocks(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM code_blocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count code blocks: %w", err)
	}
	return n, nil
}

// CreateCodeBlock validates and inserts cb, setting its id and timestamps
func (m *Manager) CreateCodeBlock(ctx context.Context, cb *types.CodeBlock) error {
	if err := cb.Validate(); err != nil {
		return err
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		now := time.Now().UTC()
		res, err := db.ExecContext(ctx, `
			INSERT INTO code_blocks (name, template, solution, explanation, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, cb.Name, cb.Template, cb.Solution, cb.Explanation, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert code block: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}

		cb.ID = types.CodeBlockID(id)
		cb.CreatedAt = now
		cb.UpdatedAt = now
		return nil
	})
}

// UpdateCodeBlock applies a partial update inside one transaction and
// returns the stored result.
func (m *Manager) UpdateCodeBlock(ctx context.Context, id types.CodeBlockID, patch types.CodeBlockPatch) (*types.CodeBlock, error) {
	var updated *types.CodeBlock

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getCodeBlock(ctx, tx, id)
		if err != nil {
			return err
		}

		next := patch.Apply(*current)
		if err := next.Validate(); err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE code_blocks
			SET name = ?, template = ?, solution = ?, explanation = ?, updated_at = ?
			WHERE id = ?
		`, next.Name, next.Template, next.Solution, next.Explanation, next.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update code block: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit code block update: %w", err)
		}

		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteCodeBlock removes a code block
func (m *Manager) DeleteCodeBlock(ctx context.Context, id types.CodeBlockID) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM code_blocks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete code block: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return interfaces.ErrCodeBlockNotFound
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM code_blocks LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call more than once.
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

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
