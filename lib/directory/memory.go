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
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// MemoryDirectory is an in-process Directory for tests.
type MemoryDirectory struct {
	mu      sync.Mutex
	users   map[string]struct{}
	devices map[string]Device

	// Unavailable makes every call fail with a connection error.
	Unavailable bool
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string]struct{}),
		devices: make(map[string]Device),
	}
}

// AddUser registers a user id.
func (m *MemoryDirectory) AddUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = struct{}{}
}

// AddDevice registers a device owned by a user.
func (m *MemoryDirectory) AddDevice(deviceID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = Device{
		DeviceID:     deviceID,
		UserID:       userID,
		RegisteredAt: time.Now().UTC(),
	}
}

func (m *MemoryDirectory) down() error {
	if m.Unavailable {
		return trace.ConnectionProblem(nil, "directory is unreachable")
	}
	return nil
}

// UserExists implements Directory.
func (m *MemoryDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down(); err != nil {
		return false, err
	}
	_, ok := m.users[userID]
	return ok, nil
}

// DeviceBelongsToUser implements Directory.
func (m *MemoryDirectory) DeviceBelongsToUser(ctx context.Context, deviceID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down(); err != nil {
		return false, err
	}
	device, ok := m.devices[deviceID]
	if !ok {
		return true, nil
	}
	return device.UserID == userID, nil
}

// GetDevice implements Directory.
func (m *MemoryDirectory) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down(); err != nil {
		return nil, err
	}
	device, ok := m.devices[deviceID]
	if !ok {
		return nil, trace.NotFound("device %q not found", deviceID)
	}
	return &device, nil
}

// UpsertDevice implements Directory.
func (m *MemoryDirectory) UpsertDevice(ctx context.Context, device Device) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down(); err != nil {
		return false, err
	}
	_, existed := m.devices[device.DeviceID]
	if device.RegisteredAt.IsZero() {
		device.RegisteredAt = time.Now().UTC()
	}
	device.LastRegistrationAt = time.Now().UTC()
	m.devices[device.DeviceID] = device
	return !existed, nil
}

// SetDeviceActive implements Directory.
func (m *MemoryDirectory) SetDeviceActive(ctx context.Context, deviceID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down(); err != nil {
		return err
	}
	device, ok := m.devices[deviceID]
	if !ok {
		return trace.NotFound("device %q not found", deviceID)
	}
	device.Active = active
	if active {
		now := time.Now().UTC()
		device.LastSeen = &now
	}
	m.devices[deviceID] = device
	return nil
}
