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

package ca

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The partial unique index enforces at most one active row per device,
// even under concurrent signings.
const recordsSchema = `
CREATE TABLE IF NOT EXISTS device_certificates (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	order_id        TEXT NOT NULL DEFAULT '',
	batch_id        TEXT NOT NULL DEFAULT '',
	certificate     TEXT NOT NULL,
	private_key     TEXT NOT NULL DEFAULT '',
	ca_certificate  TEXT NOT NULL,
	cn              TEXT NOT NULL,
	fingerprint     TEXT NOT NULL UNIQUE,
	serial_number   TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'active',
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	revoked_at      TIMESTAMPTZ,
	last_used       TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS device_certificates_active_device
	ON device_certificates (device_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS device_certificates_order
	ON device_certificates (order_id, batch_id);`

const recordColumns = `id, device_id, user_id, order_id, batch_id, certificate,
	private_key, ca_certificate, cn, fingerprint, serial_number, status,
	created_at, expires_at, revoked_at, last_used`

// PGRecords is the Postgres-backed Records implementation.
type PGRecords struct {
	pool *pgxpool.Pool
}

// NewPGRecords ensures the device_certificates table exists and returns a
// store over the pool.
func NewPGRecords(ctx context.Context, pool *pgxpool.Pool) (*PGRecords, error) {
	if pool == nil {
		return nil, trace.BadParameter("missing parameter pool")
	}
	if _, err := pool.Exec(ctx, recordsSchema); err != nil {
		return nil, trace.ConnectionProblem(err, "creating device_certificates table")
	}
	return &PGRecords{pool: pool}, nil
}

// Insert implements Records.
func (s *PGRecords) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_certificates (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.DeviceID, rec.UserID, rec.OrderID, rec.BatchID,
		rec.CertificatePEM, rec.PrivateKeyPEM, rec.CACertificatePEM, rec.CN,
		rec.Fingerprint, rec.SerialNumber, string(rec.Status),
		rec.CreatedAt, rec.ExpiresAt, rec.RevokedAt, rec.LastUsed)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return trace.AlreadyExists("device %q already has an active certificate", rec.DeviceID)
		}
		return trace.ConnectionProblem(err, "inserting certificate record")
	}
	return nil
}

// Update implements Records.
func (s *PGRecords) Update(ctx context.Context, rec Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_certificates SET
			device_id = $2, user_id = $3, order_id = $4, batch_id = $5,
			certificate = $6, private_key = $7, ca_certificate = $8, cn = $9,
			fingerprint = $10, serial_number = $11, status = $12,
			created_at = $13, expires_at = $14, revoked_at = $15, last_used = $16
		WHERE id = $1`,
		rec.ID, rec.DeviceID, rec.UserID, rec.OrderID, rec.BatchID,
		rec.CertificatePEM, rec.PrivateKeyPEM, rec.CACertificatePEM, rec.CN,
		rec.Fingerprint, rec.SerialNumber, string(rec.Status),
		rec.CreatedAt, rec.ExpiresAt, rec.RevokedAt, rec.LastUsed)
	if err != nil {
		return trace.ConnectionProblem(err, "updating certificate record")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("certificate record %q not found", rec.ID)
	}
	return nil
}

// GetByID implements Records.
func (s *PGRecords) GetByID(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM device_certificates WHERE id = $1`, id)
	return scanRecord(row, "certificate record "+id)
}

// GetByDevice implements Records.
func (s *PGRecords) GetByDevice(ctx context.Context, deviceID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM device_certificates
		WHERE device_id = $1 ORDER BY created_at DESC LIMIT 1`, deviceID)
	return scanRecord(row, "certificate for device "+deviceID)
}

// GetActiveByDevice implements Records.
func (s *PGRecords) GetActiveByDevice(ctx context.Context, deviceID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM device_certificates
		WHERE device_id = $1 AND status = 'active'`, deviceID)
	return scanRecord(row, "active certificate for device "+deviceID)
}

// ListByOrder implements Records.
func (s *PGRecords) ListByOrder(ctx context.Context, orderID, batchID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM device_certificates WHERE order_id = $1`
	args := []any{orderID}
	if batchID != "" {
		query += ` AND upper(batch_id) = upper($2)`
		args = append(args, batchID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "listing certificates by order")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows, "")
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *rec)
	}
	return out, trace.Wrap(rows.Err())
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row pgScanner, what string) (*Record, error) {
	var rec Record
	var status string
	err := row.Scan(&rec.ID, &rec.DeviceID, &rec.UserID, &rec.OrderID,
		&rec.BatchID, &rec.CertificatePEM, &rec.PrivateKeyPEM,
		&rec.CACertificatePEM, &rec.CN, &rec.Fingerprint, &rec.SerialNumber,
		&status, &rec.CreatedAt, &rec.ExpiresAt, &rec.RevokedAt, &rec.LastUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("%s not found", what)
		}
		return nil, trace.ConnectionProblem(err, "reading certificate record")
	}
	rec.Status = Status(status)
	return &rec, nil
}
