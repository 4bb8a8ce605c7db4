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

// Package audit implements the append-only, hash-chained event journal.
// Every entry links to its predecessor through previousHash, so any
// mutation of a persisted entry breaks the chain from that point on and is
// caught by VerifyChain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/statsnapp/statsmqtt"
)

// Event names recorded in the journal. Append-only, these are referenced by
// compliance tooling.
const (
	EventCertificateIssued        = "CERTIFICATE_ISSUED"
	EventCertificateRevoked       = "CERTIFICATE_REVOKED"
	EventCertificateExpired       = "CERTIFICATE_EXPIRED"
	EventCertificateGraceAccepted = "CERTIFICATE_GRACE_ACCEPTED"
	EventCertificateRenewalDue    = "CERTIFICATE_RENEWAL_DUE"
	EventProvisioningTokenIssued  = "PROVISIONING_TOKEN_ISSUED"
	EventProvisioningTokenRevoked = "PROVISIONING_TOKEN_REVOKED"
	EventDeviceAuthFailed         = "DEVICE_AUTH_FAILED"
	EventDeviceRegistered         = "DEVICE_REGISTERED"
	EventDeviceUnregistered       = "DEVICE_UNREGISTERED"
	EventAuditChainTampered       = "AUDIT_CHAIN_TAMPERED"
	EventRootCAInitialized        = "ROOT_CA_INITIALIZED"
)

// genesisHash seeds the chain before the first entry exists.
const genesisHash = "GENESIS"

// Entry is one persisted audit record.
type Entry struct {
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Event        string         `json:"event"`
	DeviceID     string         `json:"device_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	OrderID      string         `json:"order_id,omitempty"`
	BatchID      string         `json:"batch_id,omitempty"`
	Serial       string         `json:"serial,omitempty"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previousHash"`
	Hash         string         `json:"hash"`
}

// Record is the caller-supplied portion of an entry.
type Record struct {
	Event       string
	DeviceID    string
	UserID      string
	OrderID     string
	BatchID     string
	Serial      string
	Fingerprint string
	Details     map[string]any
}

// Store persists entries. The journal owns sequencing and hashing; a store
// only appends and reads back in sequence order.
type Store interface {
	// AppendEntry persists one entry.
	AppendEntry(ctx context.Context, entry Entry) error
	// LatestEntry returns the entry with the highest sequence, or
	// trace.NotFound on an empty store.
	LatestEntry(ctx context.Context) (*Entry, error)
	// Entries returns all entries in ascending sequence order.
	Entries(ctx context.Context) ([]Entry, error)
}

// Config holds journal configuration.
type Config struct {
	// Store is the primary persistence backend.
	Store Store
	// FallbackDir is the directory holding the newline-JSON fallback file
	// written when the primary store rejects an append.
	FallbackDir string
	// Clock is used for entry timestamps.
	Clock clockwork.Clock
	// Log is the journal logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.FallbackDir == "" {
		return trace.BadParameter("missing parameter FallbackDir")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(statsmqtt.Component, statsmqtt.ComponentAudit)
	}
	return nil
}

// Log is the hash-chained audit journal. The head (last sequence and hash)
// is kept in memory behind a mutex so appends chain correctly under
// concurrent requests.
type Log struct {
	cfg Config

	mu       sync.Mutex
	sequence uint64
	head     string
}

// NewLog returns an uninitialized journal; call Initialize before use.
func NewLog(cfg Config) (*Log, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Log{cfg: cfg, head: genesisHash}, nil
}

// Initialize loads the chain head from the latest persisted entry. An empty
// store is not an error: it seeds the chain at (0, GENESIS).
func (l *Log) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest, err := l.cfg.Store.LatestEntry(ctx)
	if err != nil {
		if trace.IsNotFound(err) {
			l.sequence = 0
			l.head = genesisHash
			return nil
		}
		return trace.Wrap(err)
	}
	l.sequence = latest.Sequence
	l.head = latest.Hash
	l.cfg.Log.InfoContext(ctx, "loaded audit chain head",
		"sequence", l.sequence)
	return nil
}

// LogEvent appends one entry to the chain. If the primary store rejects the
// write the entry goes to the local fallback file and the in-memory head
// still advances so later entries chain correctly.
func (l *Log) LogEvent(ctx context.Context, rec Record) (*Entry, error) {
	if rec.Event == "" {
		return nil, trace.BadParameter("missing event name")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:     l.sequence + 1,
		Timestamp:    l.cfg.Clock.Now().UTC(),
		Event:        rec.Event,
		DeviceID:     rec.DeviceID,
		UserID:       rec.UserID,
		OrderID:      rec.OrderID,
		BatchID:      rec.BatchID,
		Serial:       rec.Serial,
		Fingerprint:  rec.Fingerprint,
		Details:      rec.Details,
		PreviousHash: l.head,
	}
	hash, err := computeHash(entry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entry.Hash = hash

	if err := l.cfg.Store.AppendEntry(ctx, entry); err != nil {
		l.cfg.Log.WarnContext(ctx, "audit store rejected append, writing fallback",
			"sequence", entry.Sequence, "error", err)
		if ferr := l.appendFallback(entry); ferr != nil {
			return nil, trace.NewAggregate(err, ferr)
		}
	}

	l.sequence = entry.Sequence
	l.head = entry.Hash
	return &entry, nil
}

// VerifyResult is the outcome of a chain walk.
type VerifyResult struct {
	Valid               bool   `json:"valid"`
	Checked             int    `json:"checked"`
	FirstBrokenSequence uint64 `json:"firstBrokenSequence,omitempty"`
}

// VerifyChain walks every persisted entry in sequence order and asserts the
// hash links. A detected tamper itself produces an AUDIT_CHAIN_TAMPERED
// event so the detection is on the record.
func (l *Log) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	entries, err := l.cfg.Store.Entries(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	prevHash := genesisHash
	var prevSeq uint64
	for _, entry := range entries {
		broken := entry.PreviousHash != prevHash || entry.Sequence != prevSeq+1
		if !broken {
			recomputed, err := computeHash(entry)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			broken = recomputed != entry.Hash
		}
		if broken {
			result := &VerifyResult{Valid: false, Checked: len(entries), FirstBrokenSequence: entry.Sequence}
			if _, err := l.LogEvent(ctx, Record{
				Event: EventAuditChainTampered,
				Details: map[string]any{
					"firstBrokenSequence": entry.Sequence,
					"checked":             len(entries),
				},
			}); err != nil {
				return result, trace.Wrap(err)
			}
			return result, nil
		}
		prevHash = entry.Hash
		prevSeq = entry.Sequence
	}
	return &VerifyResult{Valid: true, Checked: len(entries)}, nil
}

// Head returns the current chain head, exposed on the health endpoint.
func (l *Log) Head() (sequence uint64, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence, l.head
}

func (l *Log) appendFallback(entry Entry) error {
	if err := os.MkdirAll(l.cfg.FallbackDir, 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	path := filepath.Join(l.cfg.FallbackDir, "audit.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	line, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// computeHash hashes the canonical JSON form of an entry: keys sorted
// lexicographically, explicit nulls for absent optionals, details as a
// sorted-key object. Go's encoding/json writes map keys in sorted order,
// which pins the byte form.
func computeHash(entry Entry) (string, error) {
	canonical := map[string]any{
		"timestamp":    entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"event":        entry.Event,
		"device_id":    nullable(entry.DeviceID),
		"user_id":      nullable(entry.UserID),
		"order_id":     nullable(entry.OrderID),
		"batch_id":     nullable(entry.BatchID),
		"serial":       nullable(entry.Serial),
		"fingerprint":  nullable(entry.Fingerprint),
		"details":      details(entry.Details),
		"previousHash": entry.PreviousHash,
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func details(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
