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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, store Store) *Log {
	t.Helper()
	log, err := NewLog(Config{
		Store:       store,
		FallbackDir: t.TempDir(),
		Clock:       clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	require.NoError(t, log.Initialize(context.Background()))
	return log
}

func TestChainLinks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	log := newTestLog(t, store)

	first, err := log.LogEvent(ctx, Record{Event: EventCertificateIssued, DeviceID: "d-1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Sequence)
	require.Equal(t, "GENESIS", first.PreviousHash)
	require.NotEmpty(t, first.Hash)

	second, err := log.LogEvent(ctx, Record{Event: EventCertificateRevoked, DeviceID: "d-1"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Sequence)
	require.Equal(t, first.Hash, second.PreviousHash)

	result, err := log.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 2, result.Checked)
}

func TestInitializeResumesChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	log := newTestLog(t, store)

	for i := 0; i < 3; i++ {
		_, err := log.LogEvent(ctx, Record{Event: EventProvisioningTokenIssued})
		require.NoError(t, err)
	}
	seq, head := log.Head()

	// A fresh journal over the same store picks up where the old left off.
	resumed := newTestLog(t, store)
	rseq, rhead := resumed.Head()
	require.Equal(t, seq, rseq)
	require.Equal(t, head, rhead)

	entry, err := resumed.LogEvent(ctx, Record{Event: EventCertificateIssued})
	require.NoError(t, err)
	require.Equal(t, seq+1, entry.Sequence)
	require.Equal(t, head, entry.PreviousHash)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	log := newTestLog(t, store)

	for i := 0; i < 5; i++ {
		_, err := log.LogEvent(ctx, Record{
			Event:   EventCertificateIssued,
			Details: map[string]any{"n": i},
		})
		require.NoError(t, err)
	}

	store.Tamper(3, func(e *Entry) {
		e.Details = map[string]any{"n": 999}
	})

	result, err := log.VerifyChain(ctx)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, uint64(3), result.FirstBrokenSequence)

	// Detection itself must be on the record.
	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.Equal(t, EventAuditChainTampered, last.Event)
}

func TestFallbackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	dir := t.TempDir()
	log, err := NewLog(Config{
		Store:       store,
		FallbackDir: dir,
		Clock:       clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	require.NoError(t, log.Initialize(ctx))

	_, err = log.LogEvent(ctx, Record{Event: EventCertificateIssued})
	require.NoError(t, err)

	store.FailAppends = true
	dropped, err := log.LogEvent(ctx, Record{Event: EventCertificateRevoked})
	require.NoError(t, err)
	require.Equal(t, uint64(2), dropped.Sequence)

	// Head still advanced so the next entry chains past the gap.
	store.FailAppends = false
	next, err := log.LogEvent(ctx, Record{Event: EventCertificateIssued})
	require.NoError(t, err)
	require.Equal(t, uint64(3), next.Sequence)
	require.Equal(t, dropped.Hash, next.PreviousHash)

	// The rejected entry landed in the fallback file, one JSON per line.
	f, err := os.Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var fromFile Entry
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &fromFile))
	require.Equal(t, dropped.Hash, fromFile.Hash)
	require.False(t, scanner.Scan())
}

func TestCanonicalHashIsStable(t *testing.T) {
	entry := Entry{
		Sequence:     1,
		Timestamp:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Event:        EventCertificateIssued,
		DeviceID:     "d-1",
		Details:      map[string]any{"b": 2, "a": 1},
		PreviousHash: "GENESIS",
	}
	h1, err := computeHash(entry)
	require.NoError(t, err)

	// Same fields, details in a different insertion order.
	entry.Details = map[string]any{"a": 1, "b": 2}
	h2, err := computeHash(entry)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	// Any field change moves the hash.
	entry.DeviceID = "d-2"
	h3, err := computeHash(entry)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}
