// Package store provides the sqlite persistence layer. All database
// access goes through this package.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"martingrid/logger"
)

// Store is the unified storage handle. Sub-stores are created lazily
// and share one connection.
type Store struct {
	db *sql.DB

	grid     *GridStore
	position *PositionStore

	mu sync.RWMutex
}

// New opens (or creates) the database and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger.Infof("✅ Database ready: %s", dbPath)
	return s, nil
}

func (s *Store) initTables() error {
	if err := s.Grid().InitTables(); err != nil {
		return err
	}
	return s.Position().InitTables()
}

// Grid returns the grid sub-store.
func (s *Store) Grid() *GridStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grid == nil {
		s.grid = NewGridStore(s.db)
	}
	return s.grid
}

// Position returns the position sub-store.
func (s *Store) Position() *PositionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		s.position = NewPositionStore(s.db)
	}
	return s.position
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
