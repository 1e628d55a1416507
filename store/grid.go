package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"martingrid/grid"
)

// GridEvent one journal row describing a grid lifecycle transition.
type GridEvent struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	EventType string    `json:"event_type"` // created/level_filled/tp_placed/closed/emergency_close
	Details   string    `json:"details"`    // JSON payload
	CreatedAt time.Time `json:"created_at"`
}

// GridStore persists grid snapshots and the grid event journal.
type GridStore struct {
	db *sql.DB
}

func NewGridStore(db *sql.DB) *GridStore {
	return &GridStore{db: db}
}

// InitTables initializes grid tables.
func (s *GridStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_snapshots (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create grid_snapshots: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			event_type TEXT NOT NULL,
			details TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create grid_events: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_grid_events_symbol ON grid_events(symbol, created_at)`)
	return err
}

// SaveSnapshot upserts the current state of one grid.
func (s *GridStore) SaveSnapshot(g grid.Snapshot) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal grid %s: %w", g.Symbol, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO grid_snapshots (symbol, side, snapshot, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP`,
		g.Symbol, string(g.Side), string(data))
	if err != nil {
		return fmt.Errorf("save grid snapshot %s: %w", g.Symbol, err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot when the grid closes.
func (s *GridStore) DeleteSnapshot(symbol string) error {
	_, err := s.db.Exec(`DELETE FROM grid_snapshots WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("delete grid snapshot %s: %w", symbol, err)
	}
	return nil
}

// ListSnapshots returns every persisted grid, usable for restart
// inspection and the status API.
func (s *GridStore) ListSnapshots() ([]grid.Snapshot, error) {
	rows, err := s.db.Query(`SELECT snapshot FROM grid_snapshots ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list grid snapshots: %w", err)
	}
	defer rows.Close()

	var grids []grid.Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var g grid.Snapshot
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			return nil, fmt.Errorf("decode grid snapshot: %w", err)
		}
		grids = append(grids, g)
	}
	return grids, rows.Err()
}

// LogEvent appends one journal row. Details may be any JSON-encodable
// value or nil.
func (s *GridStore) LogEvent(symbol, eventType string, details interface{}) error {
	payload := ""
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		payload = string(data)
	}
	_, err := s.db.Exec(`
		INSERT INTO grid_events (symbol, event_type, details) VALUES (?, ?, ?)`,
		symbol, eventType, payload)
	if err != nil {
		return fmt.Errorf("log grid event %s/%s: %w", symbol, eventType, err)
	}
	return nil
}

// RecentEvents returns the latest journal rows for a symbol, newest first.
func (s *GridStore) RecentEvents(symbol string, limit int) ([]GridEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, event_type, details, created_at
		FROM grid_events WHERE symbol = ?
		ORDER BY id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query grid events %s: %w", symbol, err)
	}
	defer rows.Close()

	var events []GridEvent
	for rows.Next() {
		var e GridEvent
		if err := rows.Scan(&e.ID, &e.Symbol, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
