// Package store is the durable backing for the protocol stores and the
// local configuration surface, on a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database. All mutating statements go through a
// single writer lock; reads may run concurrently with each other.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

const schema = `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	user_id TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	registration_id INTEGER NOT NULL DEFAULT 0,
	identity_key BLOB,
	record BLOB,
	user_record BLOB,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL,
	public_key BLOB
);
CREATE TABLE IF NOT EXISTS message_key (
	chat_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	key BLOB NOT NULL,
	PRIMARY KEY (chat_id, message_id)
);
`

// DefaultDataDir returns the default data directory for secretchat
// databases. Uses $XDG_DATA_HOME/secretchat, falling back to
// ~/.local/share/secretchat.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "secretchat")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/secretchat/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL lets readers run concurrently with the single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// exec runs a mutating statement under the writer lock.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// Wipe deletes all rows from every table. Used for the full local
// clean-up when the user's account is shut down.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: wipe: %w", err)
	}
	for _, table := range []string{"config", "session", "pre_key", "message_key"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: wipe %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: wipe commit: %w", err)
	}
	return nil
}
