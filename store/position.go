package store

import (
	"database/sql"
	"fmt"
	"time"

	"martingrid/ledger"
)

// ClosedPosition one completed round trip persisted for history.
type ClosedPosition struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	EntryPrice  float64   `json:"entry_price"`
	RealizedPnl float64   `json:"realized_pnl"`
	TotalFees   float64   `json:"total_fees"`
	FillsCount  int       `json:"fills_count"`
	IsHedge     bool      `json:"is_hedge"`
	OpenTime    time.Time `json:"open_time"`
	CloseTime   time.Time `json:"close_time"`
}

// PositionStore persists closed-position history.
type PositionStore struct {
	db *sql.DB
}

func NewPositionStore(db *sql.DB) *PositionStore {
	return &PositionStore{db: db}
}

// InitTables initializes position tables.
func (s *PositionStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS closed_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			realized_pnl REAL DEFAULT 0,
			total_fees REAL DEFAULT 0,
			fills_count INTEGER DEFAULT 0,
			is_hedge INTEGER DEFAULT 0,
			open_time DATETIME NOT NULL,
			close_time DATETIME NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create closed_positions: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_closed_positions_symbol ON closed_positions(symbol, close_time)`)
	return err
}

// SaveClosed appends one closed record from the ledger.
func (s *PositionStore) SaveClosed(rec ledger.PositionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO closed_positions
			(symbol, side, entry_price, realized_pnl, total_fees, fills_count, is_hedge, open_time, close_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, rec.Side, rec.EntryPrice, rec.RealizedPnl, rec.TotalFees,
		rec.FillsCount, rec.IsHedge, rec.OpenTime, rec.LastUpdate)
	if err != nil {
		return fmt.Errorf("save closed position %s: %w", rec.Symbol, err)
	}
	return nil
}

// History returns the most recent closed positions, newest first.
func (s *PositionStore) History(limit int) ([]ClosedPosition, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, side, entry_price, realized_pnl, total_fees, fills_count, is_hedge, open_time, close_time
		FROM closed_positions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed positions: %w", err)
	}
	defer rows.Close()

	var out []ClosedPosition
	for rows.Next() {
		var p ClosedPosition
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.EntryPrice, &p.RealizedPnl,
			&p.TotalFees, &p.FillsCount, &p.IsHedge, &p.OpenTime, &p.CloseTime); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TotalRealizedPnl sums realized PnL across the whole history.
func (s *PositionStore) TotalRealizedPnl() (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(realized_pnl) FROM closed_positions`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return total.Float64, nil
}
