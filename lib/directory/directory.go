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

// Package directory is the client for the external user and device
// directory. The control plane consults it read-mostly: user lookups are
// read-only, device rows are upserted by the liveness tracker.
//
// A directory that cannot be reached is a 503 condition, never a 404: a
// user must not be reported missing because the store was down.
package directory

import (
	"context"
	"time"
)

// Device is one directory device row.
type Device struct {
	DeviceID           string     `json:"device_id"`
	UserID             string     `json:"user_id"`
	Active             bool       `json:"active"`
	AdManagementOn     bool       `json:"ad_management_enabled"`
	BrandCanvasOn      bool       `json:"brand_canvas_enabled"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
	RegisteredAt       time.Time  `json:"registered_at"`
	LastRegistrationAt time.Time  `json:"last_registration_at"`
}

// Directory is the lookup and liveness-update contract.
type Directory interface {
	// UserExists reports whether the user id is known to the directory.
	// Unreachable store surfaces as a connection error, not false.
	UserExists(ctx context.Context, userID string) (bool, error)
	// DeviceBelongsToUser reports whether the device is associated with
	// the user.
	DeviceBelongsToUser(ctx context.Context, deviceID, userID string) (bool, error)
	// GetDevice returns the device row, or trace.NotFound.
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	// UpsertDevice inserts or refreshes a device registration and reports
	// whether the row was newly created.
	UpsertDevice(ctx context.Context, device Device) (isNew bool, err error)
	// SetDeviceActive flips the liveness flag.
	SetDeviceActive(ctx context.Context, deviceID string, active bool) error
}
