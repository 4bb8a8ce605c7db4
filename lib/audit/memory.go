/*
Copyright 2024 StatsNapp, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// MemoryStore is an in-process Store used in tests and as a last-resort
// backend when no time-series store is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry

	// FailAppends simulates primary store rejection in tests.
	FailAppends bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendEntry implements Store.
func (m *MemoryStore) AppendEntry(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppends {
		return trace.ConnectionProblem(nil, "audit store is unavailable")
	}
	m.entries = append(m.entries, entry)
	return nil
}

// LatestEntry implements Store.
func (m *MemoryStore) LatestEntry(ctx context.Context) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, trace.NotFound("audit store is empty")
	}
	entry := m.entries[len(m.entries)-1]
	return &entry, nil
}

// Entries implements Store.
func (m *MemoryStore) Entries(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

// Tamper mutates the stored entry with the given sequence, used to exercise
// chain verification.
func (m *MemoryStore) Tamper(sequence uint64, mutate func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].Sequence == sequence {
			mutate(&m.entries[i])
			return
		}
	}
}
