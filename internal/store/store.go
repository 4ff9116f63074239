// Package store owns the embedded SQLite database connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned when the store is used after Close.
var ErrClosed = errors.New("store is closed")

// Store wraps the process-wide SQLite connection. SQLite is a single-writer
// engine, so every write transaction is serialized through writeMu; reads go
// straight to the pool.
type Store struct {
	db   *sql.DB
	path string

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if necessary) the database at path and applies the
// standing PRAGMAs: WAL journaling, foreign keys ON, normal sync.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"foreign_keys(1)",
			"synchronous(NORMAL)",
			"busy_timeout(10000)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// DB returns the underlying database handle for read queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// WriteTx runs fn inside a single serialized write transaction. The
// transaction is rolled back if fn returns an error and committed otherwise.
// The write lock must never be held across non-database blocking work; fn is
// expected to be straight-line SQL.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WriteConn runs fn on a dedicated connection while holding the write lock.
// Used for mutations that must toggle connection-scoped PRAGMAs around an
// explicit transaction (PRAGMA foreign_keys is a no-op inside one), such as
// the table-copy migration. fn owns BEGIN/COMMIT itself.
func (s *Store) WriteConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	return fn(conn)
}

// Close closes the database. Further use of the store fails fast.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
