// Package auditstore persists audit events in SQLite so decisions can be
// reviewed after the fact. It uses modernc.org/sqlite (pure Go, no CGO)
// in WAL mode.
package auditstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/flemzord/toolgate/internal/security"
)

const (
	defaultBusyTimeout = 5000
	writeTimeout       = 2 * time.Second
)

var _ security.Sink = (*Store)(nil)

// Store is an append-only audit log backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	writeErrors atomic.Int64
}

// Open opens or creates the database at path and migrates its schema.
//
// The database uses WAL mode, a 5 s busy timeout, and a single connection
// (SQLite serialises writes).
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("auditstore: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditstore: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditstore: set busy_timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger.With("component", "auditstore")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteErrors returns how many events failed to persist.
func (s *Store) WriteErrors() int64 {
	return s.writeErrors.Load()
}
