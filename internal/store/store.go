package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/core"
	"spot-grid/internal/grid"
	"spot-grid/internal/strategy"
)

// GridState is the durable part of the engine state: the levels the nodes
// were built against, the node records keyed by index and the ids seen open
// on the last cycle.
type GridState struct {
	Symbol      string               `json:"symbol"`
	GridMode    string               `json:"grid_mode"`
	Levels      []decimal.Decimal    `json:"levels"`
	Nodes       []strategy.NodeState `json:"nodes"`
	LastOpenIDs []string             `json:"last_open_ids,omitempty"`
	Cycle       int64                `json:"cycle"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func FromEngine(symbol, gridMode string, state strategy.EngineState) GridState {
	nodes := make([]strategy.NodeState, len(state.Nodes))
	copy(nodes, state.Nodes)
	levels := make([]decimal.Decimal, len(state.Grid.Prices))
	copy(levels, state.Grid.Prices)
	return GridState{
		Symbol:      symbol,
		GridMode:    gridMode,
		Levels:      levels,
		Nodes:       nodes,
		LastOpenIDs: state.LastOpenIDList(),
		Cycle:       state.Cycle,
	}
}

func (s GridState) Grid() grid.Grid {
	levels := make([]decimal.Decimal, len(s.Levels))
	copy(levels, s.Levels)
	return grid.Grid{Prices: levels}
}

// Engine rebuilds the engine state on top of g. Node records whose index g
// does not have are dropped.
func (s GridState) Engine(g grid.Grid) strategy.EngineState {
	state := strategy.NewEngineState(g)
	state.Cycle = s.Cycle
	for _, id := range s.LastOpenIDs {
		state.LastOpenIDs[id] = struct{}{}
	}
	return state.WithNodes(s.Nodes)
}

// Fill is one completed node transition, journaled for audit and PnL.
type Fill struct {
	Node      int             `json:"node"`
	Symbol    string          `json:"symbol"`
	Side      core.Side       `json:"side"`
	OrderID   string          `json:"order_id"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	PnL       decimal.Decimal `json:"pnl"`
	Time      time.Time       `json:"time"`
	Partial   bool            `json:"partial,omitempty"`
	CostKnown bool            `json:"cost_known"`
}

// Key identifies a fill for de-duplication across restarts.
func (f Fill) Key() string {
	return string(f.Side) + ":" + f.OrderID
}

type RuntimeStatus struct {
	Mode            string            `json:"mode"`
	Symbol          string            `json:"symbol"`
	InstanceID      string            `json:"instance_id"`
	PID             int               `json:"pid"`
	State           string            `json:"state"`
	StartedAt       time.Time         `json:"started_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastCycleAt     time.Time         `json:"last_cycle_at,omitempty"`
	Cycle           int64             `json:"cycle"`
	LastError       string            `json:"last_error,omitempty"`
	ConsecutiveFail int               `json:"consecutive_failures,omitempty"`
	NodeModes       map[string]int    `json:"node_modes,omitempty"`
	Circuits        map[string]string `json:"circuits,omitempty"`
}

type Persister interface {
	SaveGridState(state GridState) error
	LoadGridState() (GridState, bool, error)
	AppendFill(fill Fill) error
	Close() error
}

type ledgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

// Store keeps state as JSON files under one directory. Writes go through a
// temp file and rename so a crash never leaves a torn state file.
type Store struct {
	root   string
	logger *zap.Logger

	mu            sync.Mutex
	ledgerLoaded  bool
	ledger        map[string]struct{}
	ledgerEntries []ledgerEntry
}

const (
	ledgerMaxEntries    = 10000
	ledgerTrimToEntries = 8000
)

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Close() error { return nil }

func (s *Store) SaveGridState(state GridState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.statePath(), state)
}

func (s *Store) LoadGridState() (GridState, bool, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return GridState{}, false, nil
		}
		return GridState{}, false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return GridState{}, false, errors.New("grid state file is empty")
	}
	var state GridState
	if err := json.Unmarshal(data, &state); err != nil {
		return GridState{}, false, err
	}
	return state, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendFill journals fill to fills/<date>.jsonl. A fill whose key was already
// journaled is skipped.
func (s *Store) AppendFill(fill Fill) error {
	if fill.Time.IsZero() {
		fill.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLedgerLocked(); err != nil {
		return err
	}
	key := fill.Key()
	if _, ok := s.ledger[key]; ok {
		return nil
	}

	dir := filepath.Join(s.root, "fills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fill.Time.UTC().Format("2006-01-02")+".jsonl")
	data, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	if err := appendLine(path, data); err != nil {
		return err
	}
	return s.recordLedgerLocked(key, fill.Time)
}

// ReadFills returns the fills journaled on day, oldest first.
func (s *Store) ReadFills(day time.Time) ([]Fill, error) {
	path := filepath.Join(s.root, "fills", day.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var fills []Fill
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var fill Fill
		if err := json.Unmarshal(line, &fill); err != nil {
			s.logger.Warn("store_fill_line_skipped", zap.String("path", path), zap.Error(err))
			continue
		}
		fills = append(fills, fill)
	}
	return fills, scanner.Err()
}

func (s *Store) recordLedgerLocked(key string, seenAt time.Time) error {
	entry := ledgerEntry{Key: key, SeenAt: seenAt.UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := appendLine(s.ledgerPath(), line); err != nil {
		return err
	}
	s.ledger[key] = struct{}{}
	s.ledgerEntries = append(s.ledgerEntries, entry)
	if len(s.ledgerEntries) > ledgerMaxEntries {
		return s.trimLedgerLocked()
	}
	return nil
}

func (s *Store) trimLedgerLocked() error {
	if len(s.ledgerEntries) <= ledgerMaxEntries {
		return nil
	}
	keep := ledgerTrimToEntries
	if keep > len(s.ledgerEntries) {
		keep = len(s.ledgerEntries)
	}
	kept := append([]ledgerEntry(nil), s.ledgerEntries[len(s.ledgerEntries)-keep:]...)
	if err := s.writeLinesAtomic(s.ledgerPath(), kept); err != nil {
		return err
	}
	s.ledgerEntries = kept
	s.ledger = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		s.ledger[entry.Key] = struct{}{}
	}
	return nil
}

func (s *Store) loadLedgerLocked() error {
	if s.ledgerLoaded {
		return nil
	}
	s.ledger = make(map[string]struct{})
	s.ledgerEntries = make([]ledgerEntry, 0)
	f, err := os.Open(s.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.ledgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry ledgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entry.Key = strings.TrimSpace(entry.Key)
		if entry.Key == "" {
			continue
		}
		if _, ok := s.ledger[entry.Key]; ok {
			continue
		}
		s.ledger[entry.Key] = struct{}{}
		s.ledgerEntries = append(s.ledgerEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(s.ledgerEntries) > ledgerMaxEntries {
		if err := s.trimLedgerLocked(); err != nil {
			return err
		}
	}
	s.ledgerLoaded = true
	return nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.root, "grid_state.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.root, "fill_ledger.jsonl")
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	return s.replaceFile(path, func(enc *json.Encoder) error {
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func (s *Store) writeLinesAtomic(path string, entries []ledgerEntry) error {
	return s.replaceFile(path, func(enc *json.Encoder) error {
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) replaceFile(path string, write func(enc *json.Encoder) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	if err := write(json.NewEncoder(tmp)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDir(dir, path)
	return nil
}

// fsyncDir makes the rename durable where the platform allows it.
func (s *Store) fsyncDir(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("store_dir_fsync_skipped", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("store_dir_fsync_failed", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
	}
}
