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

package directory

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	email      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS devices (
	device_id            TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL REFERENCES users (user_id),
	active               BOOLEAN NOT NULL DEFAULT FALSE,
	ad_management        BOOLEAN NOT NULL DEFAULT FALSE,
	brand_canvas         BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen            TIMESTAMPTZ,
	registered_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_registration_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS devices_user_id_idx ON devices (user_id);
`

// PGDirectory is the Postgres-backed Directory.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory ensures the schema and returns the directory client.
func NewPGDirectory(ctx context.Context, pool *pgxpool.Pool) (*PGDirectory, error) {
	if pool == nil {
		return nil, trace.BadParameter("missing parameter pool")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, trace.ConnectionProblem(err, "initializing directory schema")
	}
	return &PGDirectory{pool: pool}, nil
}

// UserExists implements Directory.
func (d *PGDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, trace.ConnectionProblem(err, "querying user %q", userID)
	}
	return exists, nil
}

// DeviceBelongsToUser implements Directory.
func (d *PGDirectory) DeviceBelongsToUser(ctx context.Context, deviceID, userID string) (bool, error) {
	var owner string
	err := d.pool.QueryRow(ctx,
		`SELECT user_id FROM devices WHERE device_id = $1`, deviceID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		// An unknown device may still be onboarded; association is only
		// asserted for devices the directory already knows.
		return true, nil
	}
	if err != nil {
		return false, trace.ConnectionProblem(err, "querying device %q", deviceID)
	}
	return owner == userID, nil
}

// GetDevice implements Directory.
func (d *PGDirectory) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var device Device
	err := d.pool.QueryRow(ctx, `
		SELECT device_id, user_id, active, ad_management, brand_canvas,
		       last_seen, registered_at, last_registration_at
		FROM devices WHERE device_id = $1`, deviceID).Scan(
		&device.DeviceID, &device.UserID, &device.Active,
		&device.AdManagementOn, &device.BrandCanvasOn,
		&device.LastSeen, &device.RegisteredAt, &device.LastRegistrationAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("device %q not found", deviceID)
	}
	if err != nil {
		return nil, trace.ConnectionProblem(err, "querying device %q", deviceID)
	}
	return &device, nil
}

// UpsertDevice implements Directory.
func (d *PGDirectory) UpsertDevice(ctx context.Context, device Device) (bool, error) {
	var inserted bool
	err := d.pool.QueryRow(ctx, `
		INSERT INTO devices (device_id, user_id, active, ad_management, brand_canvas,
		                     last_seen, registered_at, last_registration_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (device_id) DO UPDATE SET
			user_id              = EXCLUDED.user_id,
			active               = EXCLUDED.active,
			ad_management        = EXCLUDED.ad_management,
			brand_canvas         = EXCLUDED.brand_canvas,
			last_seen            = EXCLUDED.last_seen,
			last_registration_at = now()
		RETURNING (xmax = 0)`, device.DeviceID, device.UserID, device.Active,
		device.AdManagementOn, device.BrandCanvasOn, device.LastSeen).Scan(&inserted)
	if err != nil {
		return false, trace.ConnectionProblem(err, "upserting device %q", device.DeviceID)
	}
	return inserted, nil
}

// SetDeviceActive implements Directory.
func (d *PGDirectory) SetDeviceActive(ctx context.Context, deviceID string, active bool) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE devices SET active = $2, last_seen = CASE WHEN $2 THEN now() ELSE last_seen END
		WHERE device_id = $1`, deviceID, active)
	if err != nil {
		return trace.ConnectionProblem(err, "updating device %q", deviceID)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("device %q not found", deviceID)
	}
	return nil
}
