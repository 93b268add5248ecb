// Package storage persists sessions, pending permission requests, and chat
// reply routing state in a local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

// Store implements durable persistence using SQLite. It creates the schema
// on first use and supports concurrent access through internal locking.
type Store struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations for thread safety.
}

// Open opens or creates a SQLite database at the given path and applies any
// pending schema migrations. Use ":memory:" for an in-memory database
// (useful for testing).
func Open(path string) (*Store, error) {
	log.Printf("storage: opening database at %s", path)

	// The modernc.org/sqlite driver uses _pragma=foreign_keys(1) syntax.
	// busy_timeout handles concurrent access from the daemon and the CLI's
	// `sessions` command hitting the same file. journal_mode(WAL) gives
	// crash durability without blocking readers against the writer.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}
