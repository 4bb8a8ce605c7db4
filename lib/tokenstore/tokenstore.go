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

// Package tokenstore implements the durable keyed store for provisioning
// tokens. Every live token is mirrored under two Redis keys sharing one TTL:
//
//	token:{t}  -> JSON entry (device id, user id, expiry)
//	device:{d} -> t
//
// so a token can be validated and re-issuance for a device can be refused
// with single key lookups, and Redis expiry retires both sides together.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix  = "token:"
	deviceKeyPrefix = "device:"
)

// Entry is the stored value for a live provisioning token.
type Entry struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Config holds the token store configuration.
type Config struct {
	// Client is the shared Redis client.
	Client redis.UniversalClient
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	return nil
}

// Store is the Redis-backed provisioning token store.
type Store struct {
	client redis.UniversalClient
}

// New returns a token store backed by the configured Redis client.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{client: cfg.Client}, nil
}

// Set writes both keys with the same TTL. Any previous token for the device
// is left to be overwritten by the device key; callers that need exclusive
// issuance check HasActiveToken first.
func (s *Store) Set(ctx context.Context, token string, entry Entry, ttl time.Duration) error {
	if token == "" {
		return trace.BadParameter("missing token")
	}
	if entry.DeviceID == "" {
		return trace.BadParameter("missing device id")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKeyPrefix+token, payload, ttl)
	pipe.Set(ctx, deviceKeyPrefix+entry.DeviceID, token, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// GetDeviceByToken returns the stored entry for a token, or NotFound if the
// token was consumed or has expired.
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*Entry, error) {
	payload, err := s.client.Get(ctx, tokenKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("token not found")
		}
		return nil, storeUnavailable(err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, trace.Wrap(err)
	}
	return &entry, nil
}

// GetTokenByDevice returns the live token for a device, or NotFound.
func (s *Store) GetTokenByDevice(ctx context.Context, deviceID string) (string, error) {
	token, err := s.client.Get(ctx, deviceKeyPrefix+deviceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", trace.NotFound("no live token for device %q", deviceID)
		}
		return "", storeUnavailable(err)
	}
	return token, nil
}

// DeleteToken removes both keys for the given token. Deleting an unknown
// token is not an error.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	entry, err := s.GetDeviceByToken(ctx, token)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, tokenKeyPrefix+token)
	pipe.Del(ctx, deviceKeyPrefix+entry.DeviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// DeleteTokenByDevice removes both keys for whatever token the device
// currently holds. Idempotent.
func (s *Store) DeleteTokenByDevice(ctx context.Context, deviceID string) error {
	token, err := s.GetTokenByDevice(ctx, deviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, tokenKeyPrefix+token)
	pipe.Del(ctx, deviceKeyPrefix+deviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// HasActiveToken reports whether the device currently holds a live token.
func (s *Store) HasActiveToken(ctx context.Context, deviceID string) (bool, error) {
	n, err := s.client.Exists(ctx, deviceKeyPrefix+deviceID).Result()
	if err != nil {
		return false, storeUnavailable(err)
	}
	return n > 0, nil
}

// Stats reports the number of live tokens, surfaced on the health endpoint.
func (s *Store) Stats(ctx context.Context) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, tokenKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, storeUnavailable(err)
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

func storeUnavailable(err error) error {
	return trace.ConnectionProblem(err, "token store is unavailable")
}
