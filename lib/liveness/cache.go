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

package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

const activeKeyPrefix = "active:"

// ActiveDevice is the cache entry for a currently registered device.
type ActiveDevice struct {
	DeviceID       string `json:"device_id"`
	UserID         string `json:"user_id"`
	AdManagementOn bool   `json:"adManagementEnabled"`
	BrandCanvasOn  bool   `json:"brandCanvasEnabled"`
	// LastSeen is a millisecond epoch, matching the device payloads.
	LastSeen int64 `json:"lastSeen"`
}

// Cache is the Redis-backed active-device cache. Writes refresh the TTL so
// a device that keeps talking never falls out.
type Cache struct {
	client redis.UniversalClient
}

// NewCache returns a cache over the shared Redis client.
func NewCache(client redis.UniversalClient) (*Cache, error) {
	if client == nil {
		return nil, trace.BadParameter("missing parameter client")
	}
	return &Cache{client: client}, nil
}

// Set writes the entry with a fresh TTL.
func (c *Cache) Set(ctx context.Context, device ActiveDevice, ttl time.Duration) error {
	payload, err := json.Marshal(device)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := c.client.Set(ctx, activeKeyPrefix+device.DeviceID, payload, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "writing active device %q", device.DeviceID)
	}
	return nil
}

// Get returns the entry, or trace.NotFound.
func (c *Cache) Get(ctx context.Context, deviceID string) (*ActiveDevice, error) {
	payload, err := c.client.Get(ctx, activeKeyPrefix+deviceID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("device %q is not active", deviceID)
		}
		return nil, trace.ConnectionProblem(err, "reading active device %q", deviceID)
	}
	var device ActiveDevice
	if err := json.Unmarshal(payload, &device); err != nil {
		return nil, trace.Wrap(err)
	}
	return &device, nil
}

// Touch refreshes lastSeen and the TTL for an already-active device. A
// missing entry is not an error: the device simply re-registers next time.
func (c *Cache) Touch(ctx context.Context, deviceID string, lastSeen int64, ttl time.Duration) error {
	device, err := c.Get(ctx, deviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	device.LastSeen = lastSeen
	return trace.Wrap(c.Set(ctx, *device, ttl))
}

// Delete removes the entry. Deleting an absent entry is a no-op.
func (c *Cache) Delete(ctx context.Context, deviceID string) error {
	if err := c.client.Del(ctx, activeKeyPrefix+deviceID).Err(); err != nil {
		return trace.ConnectionProblem(err, "deleting active device %q", deviceID)
	}
	return nil
}
