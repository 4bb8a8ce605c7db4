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

package transparency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gravitational/trace"
)

// "index" is a ClickHouse keyword and must stay quoted everywhere it
// appears.
const ctTableSchema = `
CREATE TABLE IF NOT EXISTS ct_log (
	"index"          UInt64,
	leaf_hash        String,
	root_hash        String,
	inclusion_proof  String,
	cert_fingerprint String,
	serial_number    String,
	cn               String,
	device_id        String,
	issued_at        DateTime64(3, 'UTC')
) ENGINE = MergeTree()
ORDER BY "index"`

const ctInsertQuery = `
	INSERT INTO ct_log
		("index", leaf_hash, root_hash, inclusion_proof, cert_fingerprint,
		 serial_number, cn, device_id, issued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const ctSelectQuery = `
	SELECT "index", leaf_hash, root_hash, inclusion_proof, cert_fingerprint,
	       serial_number, cn, device_id, issued_at
	FROM ct_log ORDER BY "index" ASC`

// ClickHouseStore persists transparency entries in the ct_log table.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore ensures the ct_log table exists and returns a store
// over it.
func NewClickHouseStore(ctx context.Context, conn driver.Conn) (*ClickHouseStore, error) {
	if conn == nil {
		return nil, trace.BadParameter("missing parameter conn")
	}
	if err := conn.Exec(ctx, ctTableSchema); err != nil {
		return nil, trace.ConnectionProblem(err, "creating ct_log table")
	}
	return &ClickHouseStore{conn: conn}, nil
}

// AppendEntry implements Store.
func (s *ClickHouseStore) AppendEntry(ctx context.Context, entry Entry) error {
	proofJSON, err := json.Marshal(entry.InclusionProof)
	if err != nil {
		return trace.Wrap(err)
	}
	err = s.conn.Exec(ctx, ctInsertQuery,
		entry.Index, entry.LeafHash, entry.RootHash, string(proofJSON),
		entry.CertFingerprint, entry.SerialNumber, entry.CN, entry.DeviceID,
		entry.IssuedAt)
	if err != nil {
		return trace.ConnectionProblem(err, "appending transparency entry")
	}
	return nil
}

// Entries implements Store.
func (s *ClickHouseStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.conn.Query(ctx, ctSelectQuery)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading transparency entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var proofJSON string
		var issuedAt time.Time
		err := rows.Scan(&entry.Index, &entry.LeafHash, &entry.RootHash,
			&proofJSON, &entry.CertFingerprint, &entry.SerialNumber,
			&entry.CN, &entry.DeviceID, &issuedAt)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := json.Unmarshal([]byte(proofJSON), &entry.InclusionProof); err != nil {
			return nil, trace.Wrap(err)
		}
		entry.IssuedAt = issuedAt.UTC()
		out = append(out, entry)
	}
	return out, nil
}
