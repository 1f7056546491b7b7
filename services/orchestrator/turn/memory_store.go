// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package turn

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]Record)}
}

// Save appends rec to its thread.
func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[rec.ThreadID] = append(s.threads[rec.ThreadID], cloneRecord(rec))
	return nil
}

// History returns the newest limit records of threadID, oldest first.
func (s *MemoryStore) History(ctx context.Context, threadID string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.threads[threadID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Record, len(all))
	for i, r := range all {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

func cloneRecord(r Record) Record {
	r.PhaseOutputs = cloneMap(r.PhaseOutputs)
	r.Metadata = cloneMap(r.Metadata)
	return r
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
