// Package store persists trade lifecycle state to disk using JSON files.
//
// The whole trade book is stored as a single file: trades.json. Writes use
// atomic file replacement (write to .tmp, then rename) to prevent corruption
// from partial writes or crashes mid-save. The lifecycle manager calls
// SaveTrades after each tick (throttled), and LoadTrades on startup, where
// the saved trade book is reconciled by state alone; the venue is not
// queried.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"optiondaemon/pkg/types"
)

// Store persists trade snapshots to a JSON file in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	path string     // full path to trades.json
	mu   sync.Mutex // serializes all file operations
}

// Open creates a store backed by <dir>/trades.json.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "trades.json")}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveTrades atomically persists the full trade book, overwriting any prior
// snapshot. Writes to a .tmp file first, then renames over the target so a
// crash mid-write never leaves a truncated file in place.
func (s *Store) SaveTrades(trades []*types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(trades, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trades: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write trades: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// LoadTrades restores the last-persisted trade book from disk. Returns nil,
// nil if no snapshot file exists yet (fresh daemon).
func (s *Store) LoadTrades() ([]*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trades: %w", err)
	}

	var trades []*types.Trade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("unmarshal trades: %w", err)
	}
	return trades, nil
}
