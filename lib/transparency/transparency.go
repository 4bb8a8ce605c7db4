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

// Package transparency implements the Merkle-tree certificate transparency
// log. Every issued certificate becomes a leaf; the log hands the caller an
// inclusion proof and the root hash observed right after the append, so any
// party holding an old proof can audit the log later.
package transparency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/statsnapp/statsmqtt"
)

// Entry is one persisted transparency record.
type Entry struct {
	Index           uint64      `json:"index"`
	LeafHash        string      `json:"leafHash"`
	RootHash        string      `json:"rootHash"`
	InclusionProof  []ProofStep `json:"inclusionProof"`
	CertFingerprint string      `json:"certFingerprint"`
	SerialNumber    string      `json:"serialNumber"`
	CN              string      `json:"cn"`
	DeviceID        string      `json:"deviceId"`
	IssuedAt        time.Time   `json:"issuedAt"`
}

// Store persists transparency entries in index order.
type Store interface {
	// AppendEntry persists one entry.
	AppendEntry(ctx context.Context, entry Entry) error
	// Entries returns all entries in ascending index order.
	Entries(ctx context.Context) ([]Entry, error)
}

// Config holds transparency log configuration.
type Config struct {
	// Store is the persistence backend.
	Store Store
	// Clock stamps issuance times.
	Clock clockwork.Clock
	// Log is the subsystem logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(statsmqtt.Component, statsmqtt.ComponentTransparency)
	}
	return nil
}

// Log is the certificate transparency log. The ordered leaf list is the
// single-writer state; appends and root recomputation are serialized behind
// the mutex.
type Log struct {
	cfg Config

	mu     sync.Mutex
	leaves []string
	root   string
}

// NewLog returns an uninitialized log; call Initialize before use.
func NewLog(cfg Config) (*Log, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Log{cfg: cfg, root: emptyTreeRoot}, nil
}

// Initialize reloads every persisted leaf in index order and recomputes the
// root. Gaps in the index sequence mean the stored log is corrupt.
func (l *Log) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.cfg.Store.Entries(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	leaves := make([]string, 0, len(entries))
	for i, entry := range entries {
		if entry.Index != uint64(i) {
			return trace.BadParameter("transparency log has a gap: expected index %d, found %d", i, entry.Index)
		}
		leaves = append(leaves, entry.LeafHash)
	}
	l.leaves = leaves
	l.root = computeRoot(leaves)
	l.cfg.Log.InfoContext(ctx, "loaded transparency log", "leaves", len(leaves))
	return nil
}

// leafHash binds the certificate identity to the leaf:
// SHA256(fingerprint|serial|cn|issuedAt ISO-8601 millisecond).
func leafHash(fingerprint, serial, cn string, issuedAt time.Time) string {
	return hashString(fmt.Sprintf("%s|%s|%s|%s",
		fingerprint, serial, cn, issuedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")))
}

// AddEntry appends a leaf for an issued certificate and returns the entry
// with the new root and the leaf's inclusion proof.
func (l *Log) AddEntry(ctx context.Context, fingerprint, serial, cn, deviceID string, issuedAt time.Time) (*Entry, error) {
	if fingerprint == "" || serial == "" || cn == "" {
		return nil, trace.BadParameter("fingerprint, serial and cn are required")
	}
	if issuedAt.IsZero() {
		issuedAt = l.cfg.Clock.Now()
	}
	issuedAt = issuedAt.UTC().Truncate(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	leaf := leafHash(fingerprint, serial, cn, issuedAt)
	leaves := append(l.leaves, leaf)
	index := uint64(len(leaves) - 1)
	root := computeRoot(leaves)
	proof := inclusionProof(leaves, int(index))

	entry := Entry{
		Index:           index,
		LeafHash:        leaf,
		RootHash:        root,
		InclusionProof:  proof,
		CertFingerprint: fingerprint,
		SerialNumber:    serial,
		CN:              cn,
		DeviceID:        deviceID,
		IssuedAt:        issuedAt,
	}
	if err := l.cfg.Store.AppendEntry(ctx, entry); err != nil {
		return nil, trace.Wrap(err)
	}
	l.leaves = leaves
	l.root = root
	return &entry, nil
}

// Root returns the current root hash.
func (l *Log) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.root
}

// Size returns the number of leaves.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leaves)
}

// ConsistencyResult is the outcome of a stored-log audit.
type ConsistencyResult struct {
	Consistent bool   `json:"consistent"`
	Leaves     int    `json:"leaves"`
	Problem    string `json:"problem,omitempty"`
}

// VerifyConsistency reloads every stored leaf, asserts dense indices, and
// confirms the recomputed root matches the cached root.
func (l *Log) VerifyConsistency(ctx context.Context) (*ConsistencyResult, error) {
	entries, err := l.cfg.Store.Entries(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	l.mu.Lock()
	cachedRoot := l.root
	l.mu.Unlock()

	leaves := make([]string, 0, len(entries))
	for i, entry := range entries {
		if entry.Index != uint64(i) {
			return &ConsistencyResult{
				Consistent: false,
				Leaves:     len(entries),
				Problem:    fmt.Sprintf("index gap at %d", i),
			}, nil
		}
		leaves = append(leaves, entry.LeafHash)
	}
	if recomputed := computeRoot(leaves); recomputed != cachedRoot {
		return &ConsistencyResult{
			Consistent: false,
			Leaves:     len(entries),
			Problem:    "recomputed root does not match cached root",
		}, nil
	}
	return &ConsistencyResult{Consistent: true, Leaves: len(entries)}, nil
}
