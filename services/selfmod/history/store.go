// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists orchestrator run results in BadgerDB.
//
// Results are stored as JSON under "run/<ulid>". Run IDs are ULIDs, so key
// order is chronological and the newest runs are found by iterating in
// reverse from the end of the prefix.
//
// # Thread Safety
//
// Store is safe for concurrent use.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned by Get for unknown run IDs.
var ErrNotFound = fmt.Errorf("history: %w", orchestrator.ErrRunNotFound)

const runPrefix = "run/"

// Store is a badger-backed orchestrator.HistoryStore.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	keep   int
	logger *slog.Logger
}

var _ orchestrator.HistoryStore = (*Store)(nil)

// Open opens or creates the history database.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory is set.
//   - logger: Component logger. Uses slog.Default() if nil.
//
// # Outputs
//
//   - *Store: Ready-to-use store. Caller must Close it.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history.Store")

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, keep: cfg.Keep, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close history database: %w", err)
	}
	return nil
}

// Append stores result under its run ID.
func (s *Store) Append(ctx context.Context, result *orchestrator.ApplyResult) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if result == nil {
		return errors.New("history: nil result")
	}
	if _, err := ulid.ParseStrict(result.RunID); err != nil {
		return fmt.Errorf("history: run id %q is not a ULID: %w", result.RunID, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(result.RunID), data)
	})
	if err != nil {
		return fmt.Errorf("store result %s: %w", result.RunID, err)
	}
	s.logger.Debug("result stored", "run_id", result.RunID, "bytes", len(data))

	if s.keep > 0 {
		if _, err := s.Prune(ctx, s.keep); err != nil {
			s.logger.Warn("history prune failed", "error", err)
		}
	}
	return nil
}

// Get returns the result of one run.
func (s *Store) Get(ctx context.Context, runID string) (*orchestrator.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var result orchestrator.ApplyResult
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &result, nil
}

// List returns up to limit results, newest first. A limit of zero or less
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]*orchestrator.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var out []*orchestrator.ApplyResult
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		seekKey := append([]byte(runPrefix), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var r orchestrator.ApplyResult
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				s.logger.Warn("skipping unreadable history entry",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// Count returns the number of stored runs.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep runs and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	if keep < 0 {
		keep = 0
	}

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		seen := 0
		for it.Seek(append([]byte(runPrefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			seen++
			if seen > keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan history: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("delete history entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush history deletes: %w", err)
	}
	s.logger.Info("history pruned", "removed", len(stale), "kept", keep)
	return len(stale), nil
}

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}
