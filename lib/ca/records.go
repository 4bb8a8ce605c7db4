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
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Status is the lifecycle state of a certificate record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Record is one issued device certificate. PrivateKeyPEM stays empty: the
// device generates its own keypair and the key never reaches the control
// plane.
type Record struct {
	ID               string     `json:"_id"`
	DeviceID         string     `json:"device_id"`
	UserID           string     `json:"user_id"`
	OrderID          string     `json:"order_id,omitempty"`
	BatchID          string     `json:"batch_id,omitempty"`
	CertificatePEM   string     `json:"certificate"`
	PrivateKeyPEM    string     `json:"private_key"`
	CACertificatePEM string     `json:"ca_certificate"`
	CN               string     `json:"cn"`
	Fingerprint      string     `json:"fingerprint"`
	SerialNumber     string     `json:"serial_number"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
}

// Records persists certificate records. Implementations must refuse a second
// active row per device id so concurrent signings for one device cannot both
// land.
type Records interface {
	// Insert adds a new record, failing with AlreadyExists if the device
	// already holds an active row.
	Insert(ctx context.Context, rec Record) error
	// Update replaces the record with the same ID.
	Update(ctx context.Context, rec Record) error
	// GetByID returns a record by its primary key.
	GetByID(ctx context.Context, id string) (*Record, error)
	// GetByDevice returns the most recent record for a device.
	GetByDevice(ctx context.Context, deviceID string) (*Record, error)
	// GetActiveByDevice returns the active record for a device.
	GetActiveByDevice(ctx context.Context, deviceID string) (*Record, error)
	// ListByOrder returns records issued under an order, optionally
	// narrowed to one batch.
	ListByOrder(ctx context.Context, orderID, batchID string) ([]Record, error)
}

// MemoryRecords is an in-process Records implementation for tests.
type MemoryRecords struct {
	mu   sync.Mutex
	rows map[string]Record
}

// NewMemoryRecords returns an empty record store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{rows: make(map[string]Record)}
}

// Insert implements Records.
func (m *MemoryRecords) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		return trace.BadParameter("missing record ID")
	}
	for _, row := range m.rows {
		if row.DeviceID == rec.DeviceID && row.Status == StatusActive {
			return trace.AlreadyExists("device %q already has an active certificate", rec.DeviceID)
		}
	}
	m.rows[rec.ID] = rec
	return nil
}

// Update implements Records.
func (m *MemoryRecords) Update(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.ID]; !ok {
		return trace.NotFound("certificate record %q not found", rec.ID)
	}
	m.rows[rec.ID] = rec
	return nil
}

// GetByID implements Records.
func (m *MemoryRecords) GetByID(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return nil, trace.NotFound("certificate record %q not found", id)
	}
	return &rec, nil
}

// GetByDevice implements Records.
func (m *MemoryRecords) GetByDevice(ctx context.Context, deviceID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Record
	for _, row := range m.rows {
		row := row
		if row.DeviceID != deviceID {
			continue
		}
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			latest = &row
		}
	}
	if latest == nil {
		return nil, trace.NotFound("no certificate for device %q", deviceID)
	}
	return latest, nil
}

// GetActiveByDevice implements Records.
func (m *MemoryRecords) GetActiveByDevice(ctx context.Context, deviceID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.DeviceID == deviceID && row.Status == StatusActive {
			row := row
			return &row, nil
		}
	}
	return nil, trace.NotFound("no active certificate for device %q", deviceID)
}

// ListByOrder implements Records.
func (m *MemoryRecords) ListByOrder(ctx context.Context, orderID, batchID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, row := range m.rows {
		if row.OrderID != orderID {
			continue
		}
		if batchID != "" && !strings.EqualFold(row.BatchID, batchID) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
