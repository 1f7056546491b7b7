// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
)

const turnPrefix = "turn/"

// TurnStore implements turn.Store on a DB.
//
// Thread Safety: Safe for concurrent use.
type TurnStore struct {
	db *DB
}

// NewTurnStore wraps db. Panics if db is nil.
func NewTurnStore(db *DB) *TurnStore {
	if db == nil {
		panic("NewTurnStore: db must not be nil")
	}
	return &TurnStore{db: db}
}

func threadPrefix(threadID string) []byte {
	return []byte(turnPrefix + threadID + "/")
}

func recordKey(rec turn.Record) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", turnPrefix, rec.ThreadID, rec.Timestamp.UnixNano(), rec.TurnID))
}

// Save writes rec in a single transaction.
func (s *TurnStore) Save(ctx context.Context, rec turn.Record) error {
	if rec.ThreadID == "" || strings.Contains(rec.ThreadID, "/") {
		return fmt.Errorf("invalid thread id %q", rec.ThreadID)
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal turn %s: %w", rec.TurnID, err)
	}
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), val)
	})
}

// History returns up to limit newest records of threadID, oldest first.
func (s *TurnStore) History(ctx context.Context, threadID string, limit int) ([]turn.Record, error) {
	prefix := threadPrefix(threadID)
	var newestFirst []turn.Record

	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(newestFirst) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec turn.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			newestFirst = append(newestFirst, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]turn.Record, len(newestFirst))
	for i, rec := range newestFirst {
		out[len(newestFirst)-1-i] = rec
	}
	return out, nil
}
