package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"spoolq/internal/logging"
)

// SQLite executes statement batches against a SQLite database file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (creating when needed) the database at path in WAL mode
// with the given busy timeout.
func OpenSQLite(path string, busyTimeout time.Duration, logger *slog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sink directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, Classify(nil, execErr))
		}
	}

	return &SQLite{db: db, path: path, logger: logging.NewComponentLogger(logger, "sink")}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// DB exposes the handle for inspection and tests.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Execute runs the payload's statements in a single transaction.
func (s *SQLite) Execute(ctx context.Context, payload []byte) error {
	statements, err := ParseBatch(payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Classify(ctx, fmt.Errorf("begin transaction: %w", err))
	}
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			_ = tx.Rollback()
			return Classify(ctx, fmt.Errorf("statement %d: %w", i, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return Classify(ctx, fmt.Errorf("commit: %w", err))
	}
	s.logger.Debug("payload applied", logging.Int("statements", len(statements)))
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return Classify(ctx, s.db.PingContext(ctx))
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Timeout wraps a Sink so every call is bounded by d.
func Timeout(next Sink, d time.Duration) Sink {
	if d <= 0 {
		return next
	}
	return Func(func(ctx context.Context, payload []byte) error {
		callCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		err := next.Execute(callCtx, payload)
		if err != nil && !errors.Is(err, ErrTimeout) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Wrap(ErrTimeout, "execute", fmt.Sprintf("exceeded %s", d), err)
		}
		return err
	})
}
