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
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gravitational/trace"
)

// auditTableSchema is the pki_audit measurement. MergeTree ordered by
// sequence keeps chain walks a single ordered scan.
const auditTableSchema = `
CREATE TABLE IF NOT EXISTS pki_audit (
	sequence         UInt64,
	timestamp        DateTime64(3, 'UTC'),
	event            LowCardinality(String),
	device_id        String,
	user_id          String,
	order_id         String,
	batch_id         String,
	serial_number    String,
	cert_fingerprint String,
	details          String,
	previous_hash    String,
	hash             String
) ENGINE = MergeTree()
ORDER BY sequence`

// ClickHouseStore persists audit entries in the pki_audit table.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore ensures the pki_audit table exists and returns a store
// over it.
func NewClickHouseStore(ctx context.Context, conn driver.Conn) (*ClickHouseStore, error) {
	if conn == nil {
		return nil, trace.BadParameter("missing parameter conn")
	}
	if err := conn.Exec(ctx, auditTableSchema); err != nil {
		return nil, trace.ConnectionProblem(err, "creating pki_audit table")
	}
	return &ClickHouseStore{conn: conn}, nil
}

// AppendEntry implements Store.
func (s *ClickHouseStore) AppendEntry(ctx context.Context, entry Entry) error {
	detailsJSON, err := json.Marshal(details(entry.Details))
	if err != nil {
		return trace.Wrap(err)
	}
	err = s.conn.Exec(ctx, `
		INSERT INTO pki_audit
			(sequence, timestamp, event, device_id, user_id, order_id, batch_id,
			 serial_number, cert_fingerprint, details, previous_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.Timestamp, entry.Event, entry.DeviceID, entry.UserID,
		entry.OrderID, entry.BatchID, entry.Serial, entry.Fingerprint,
		string(detailsJSON), entry.PreviousHash, entry.Hash)
	if err != nil {
		return trace.ConnectionProblem(err, "appending audit entry")
	}
	return nil
}

// LatestEntry implements Store.
func (s *ClickHouseStore) LatestEntry(ctx context.Context) (*Entry, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT sequence, timestamp, event, device_id, user_id, order_id, batch_id,
		       serial_number, cert_fingerprint, details, previous_hash, hash
		FROM pki_audit ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if err != nil {
		if row.Err() != nil {
			return nil, trace.ConnectionProblem(row.Err(), "reading audit head")
		}
		return nil, trace.NotFound("audit store is empty")
	}
	return entry, nil
}

// Entries implements Store.
func (s *ClickHouseStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT sequence, timestamp, event, device_id, user_id, order_id, batch_id,
		       serial_number, cert_fingerprint, details, previous_hash, hash
		FROM pki_audit ORDER BY sequence ASC`)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading audit entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *entry)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	var ts time.Time
	var detailsJSON string
	err := row.Scan(&entry.Sequence, &ts, &entry.Event, &entry.DeviceID,
		&entry.UserID, &entry.OrderID, &entry.BatchID, &entry.Serial,
		&entry.Fingerprint, &detailsJSON, &entry.PreviousHash, &entry.Hash)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entry.Timestamp = ts.UTC()
	if detailsJSON != "" && detailsJSON != "{}" {
		if err := json.Unmarshal([]byte(detailsJSON), &entry.Details); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &entry, nil
}
