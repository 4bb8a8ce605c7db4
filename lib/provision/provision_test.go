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

package provision

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/tokenstore"
)

const (
	testSecret = "provisioning-secret"
	testUser   = "0123456789abcdef01234567"
)

type testService struct {
	*Service
	clock      *clockwork.FakeClock
	store      *tokenstore.Store
	auditStore *audit.MemoryStore
	mr         *miniredis.Miniredis
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := tokenstore.New(tokenstore.Config{Client: client})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	auditStore := audit.NewMemoryStore()
	journal, err := audit.NewLog(audit.Config{
		Store:       auditStore,
		FallbackDir: t.TempDir(),
		Clock:       clock,
		Log:         slog.Default(),
	})
	require.NoError(t, err)
	require.NoError(t, journal.Initialize(context.Background()))

	svc, err := New(Config{
		Secret: testSecret,
		Store:  store,
		Audit:  journal,
		Clock:  clock,
		Log:    slog.Default(),
	})
	require.NoError(t, err)
	return &testService{Service: svc, clock: clock, store: store, auditStore: auditStore, mr: mr}
}

func TestIssueTokenMintsAndStores(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	issued, err := s.IssueToken(ctx, "dev1", testUser)
	require.NoError(t, err)
	require.False(t, issued.Reused)
	require.Equal(t, 300, issued.ExpiresIn)

	// The JWT carries the provisioning claims.
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(issued.Token, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithTimeFunc(func() time.Time { return s.clock.Now() }))
	require.NoError(t, err)
	require.Equal(t, "provisioning", claims["type"])
	require.Equal(t, "dev1", claims["device_id"])
	require.Equal(t, testUser, claims["user_id"])

	// Mirrored in the store.
	entry, err := s.store.GetDeviceByToken(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "dev1", entry.DeviceID)

	entries, err := s.auditStore.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, audit.EventProvisioningTokenIssued, entries[0].Event)
}

func TestIssueTokenIsIdempotentWhileLive(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	first, err := s.IssueToken(ctx, "dev1", testUser)
	require.NoError(t, err)

	s.clock.Advance(100 * time.Second)
	second, err := s.IssueToken(ctx, "dev1", testUser)
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.Token, second.Token)
	require.Equal(t, 200, second.ExpiresIn)
}

func TestValidateTokenHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	issued, err := s.IssueToken(ctx, "dev1", testUser)
	require.NoError(t, err)

	v, err := s.ValidateToken(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "dev1", v.DeviceID)
	require.Equal(t, testUser, v.UserID)
}

func TestValidateTokenErrorCodes(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	_, err := s.ValidateToken(ctx, "")
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeTokenMissing))

	_, err = s.ValidateToken(ctx, "not-a-jwt")
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeTokenInvalidFormat))

	wrongSig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"device_id": "dev1", "user_id": testUser, "type": "provisioning",
		"exp": s.clock.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = s.ValidateToken(ctx, wrongSig)
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeTokenInvalidSignature))

	wrongType, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"device_id": "dev1", "user_id": testUser, "type": "session",
		"exp": s.clock.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = s.ValidateToken(ctx, wrongType)
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeTokenInvalidType))

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"device_id": "dev1", "type": "provisioning",
		"exp": s.clock.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = s.ValidateToken(ctx, noUser)
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeTokenUserMissing))

	// JWT-valid but never stored: reads as consumed.
	notStored, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"device_id": "dev1", "user_id": testUser, "type": "provisioning",
		"exp": s.clock.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = s.ValidateToken(ctx, notStored)
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeTokenNotFound))
}

func TestValidateTokenExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	issued, err := s.IssueToken(ctx, "dev1", testUser)
	require.NoError(t, err)

	s.clock.Advance(301 * time.Second)
	_, err = s.ValidateToken(ctx, issued.Token)
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeTokenExpired))
}

func TestRevokeTokenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	issued, err := s.IssueToken(ctx, "dev1", testUser)
	require.NoError(t, err)

	require.NoError(t, s.RevokeToken(ctx, issued.Token))
	_, err = s.store.GetDeviceByToken(ctx, issued.Token)
	require.True(t, trace.IsNotFound(err))
	_, err = s.store.GetTokenByDevice(ctx, "dev1")
	require.True(t, trace.IsNotFound(err))

	// Second revocation of the same token is a no-op.
	require.NoError(t, s.RevokeToken(ctx, issued.Token))

	entries, err := s.auditStore.Entries(ctx)
	require.NoError(t, err)
	var revocations int
	for _, entry := range entries {
		if entry.Event == audit.EventProvisioningTokenRevoked {
			revocations++
		}
	}
	require.Equal(t, 1, revocations)
}

func TestPeekDeviceID(t *testing.T) {
	s := newTestService(t)
	issued, err := s.IssueToken(context.Background(), "dev1", testUser)
	require.NoError(t, err)
	require.Equal(t, "dev1", PeekDeviceID(issued.Token))
	require.Empty(t, PeekDeviceID("garbage"))
}
