package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"spot-grid/internal/core"
	"spot-grid/internal/strategy"
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS grid_state (
	symbol        TEXT PRIMARY KEY,
	grid_mode     TEXT NOT NULL,
	levels        TEXT NOT NULL,
	last_open_ids TEXT NOT NULL DEFAULT '',
	cycle         INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS node_state (
	symbol             TEXT NOT NULL,
	node_index         INTEGER NOT NULL,
	mode               TEXT NOT NULL,
	buy_order_id       TEXT NOT NULL DEFAULT '',
	sell_order_id      TEXT NOT NULL DEFAULT '',
	acquired_qty       TEXT NOT NULL DEFAULT '0',
	acquired_avg_price TEXT NOT NULL DEFAULT '0',
	updated_at         TIMESTAMP,
	PRIMARY KEY (symbol, node_index)
);
CREATE TABLE IF NOT EXISTS fills (
	fill_key   TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	node_index INTEGER NOT NULL,
	side       TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	price      TEXT NOT NULL,
	qty        TEXT NOT NULL,
	pnl        TEXT NOT NULL,
	cost_known INTEGER NOT NULL,
	partial    INTEGER NOT NULL,
	filled_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_symbol_time ON fills(symbol, filled_at);
`

// SQLite persists the same state as Store in a single database file. It is
// scoped to one symbol.
type SQLite struct {
	db      *sql.DB
	symbol  string
	timeout time.Duration
}

func OpenSQLite(path, symbol string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLite{db: db, symbol: symbol, timeout: 10 * time.Second}
	ctx, cancel := s.ctx()
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveGridState replaces the stored grid and every node row in one transaction.
func (s *SQLite) SaveGridState(state GridState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	ctx, cancel := s.ctx()
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO grid_state (symbol, grid_mode, levels, last_open_ids, cycle, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			grid_mode = excluded.grid_mode,
			levels = excluded.levels,
			last_open_ids = excluded.last_open_ids,
			cycle = excluded.cycle,
			updated_at = excluded.updated_at`,
		s.symbol, state.GridMode, joinDecimals(state.Levels), strings.Join(state.LastOpenIDs, ","),
		state.Cycle, state.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save grid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_state WHERE symbol = ?`, s.symbol); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_state (symbol, node_index, mode, buy_order_id, sell_order_id,
			acquired_qty, acquired_avg_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, n := range state.Nodes {
		var updated any
		if !n.UpdatedAt.IsZero() {
			updated = n.UpdatedAt.UTC()
		}
		if _, err := stmt.ExecContext(ctx, s.symbol, n.Index, string(n.Mode), n.BuyOrderID, n.SellOrderID,
			n.AcquiredQty.String(), n.AcquiredAvgPrice.String(), updated); err != nil {
			return fmt.Errorf("save node %d: %w", n.Index, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) LoadGridState() (GridState, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var (
		state   GridState
		levels  string
		openIDs string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT grid_mode, levels, last_open_ids, cycle, updated_at
		FROM grid_state WHERE symbol = ?`, s.symbol).
		Scan(&state.GridMode, &levels, &openIDs, &state.Cycle, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GridState{}, false, nil
	}
	if err != nil {
		return GridState{}, false, fmt.Errorf("load grid: %w", err)
	}
	state.Symbol = s.symbol
	if state.Levels, err = splitDecimals(levels); err != nil {
		return GridState{}, false, fmt.Errorf("load grid levels: %w", err)
	}
	if openIDs != "" {
		state.LastOpenIDs = strings.Split(openIDs, ",")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_index, mode, buy_order_id, sell_order_id, acquired_qty, acquired_avg_price, updated_at
		FROM node_state WHERE symbol = ? ORDER BY node_index`, s.symbol)
	if err != nil {
		return GridState{}, false, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			n        strategy.NodeState
			mode     string
			qty, avg string
			updated  sql.NullTime
		)
		if err := rows.Scan(&n.Index, &mode, &n.BuyOrderID, &n.SellOrderID, &qty, &avg, &updated); err != nil {
			return GridState{}, false, err
		}
		n.Mode = strategy.NodeMode(mode)
		if n.AcquiredQty, err = decimal.NewFromString(qty); err != nil {
			return GridState{}, false, fmt.Errorf("node %d qty: %w", n.Index, err)
		}
		if n.AcquiredAvgPrice, err = decimal.NewFromString(avg); err != nil {
			return GridState{}, false, fmt.Errorf("node %d avg: %w", n.Index, err)
		}
		if updated.Valid {
			n.UpdatedAt = updated.Time.UTC()
		}
		state.Nodes = append(state.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return GridState{}, false, err
	}
	return state, true, nil
}

// AppendFill is idempotent on the fill key.
func (s *SQLite) AppendFill(fill Fill) error {
	if fill.Time.IsZero() {
		fill.Time = time.Now().UTC()
	}
	symbol := fill.Symbol
	if symbol == "" {
		symbol = s.symbol
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (fill_key, symbol, node_index, side, order_id, price, qty, pnl, cost_known, partial, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fill_key) DO NOTHING`,
		fill.Key(), symbol, fill.Node, string(fill.Side), fill.OrderID,
		fill.Price.String(), fill.Qty.String(), fill.PnL.String(),
		boolToInt(fill.CostKnown), boolToInt(fill.Partial), fill.Time.UTC())
	if err != nil {
		return fmt.Errorf("append fill: %w", err)
	}
	return nil
}

// Fills returns every journaled fill for the store's symbol in insertion order.
func (s *SQLite) Fills() ([]Fill, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, node_index, side, order_id, price, qty, pnl, cost_known, partial, filled_at
		FROM fills WHERE symbol = ? ORDER BY rowid`, s.symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Fill
	for rows.Next() {
		var (
			f                  Fill
			side               string
			price, qty, pnl    string
			costKnown, partial int
		)
		if err := rows.Scan(&f.Symbol, &f.Node, &side, &f.OrderID, &price, &qty, &pnl, &costKnown, &partial, &f.Time); err != nil {
			return nil, err
		}
		f.Side = core.Side(side)
		f.Price, _ = decimal.NewFromString(price)
		f.Qty, _ = decimal.NewFromString(qty)
		f.PnL, _ = decimal.NewFromString(pnl)
		f.CostKnown = costKnown != 0
		f.Partial = partial != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// RealizedPnL sums the journaled pnl for the store's symbol.
func (s *SQLite) RealizedPnL() (decimal.Decimal, error) {
	fills, err := s.Fills()
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.PnL)
	}
	return total, nil
}

func joinDecimals(values []decimal.Decimal) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

func splitDecimals(s string) ([]decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		v, err := decimal.NewFromString(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
