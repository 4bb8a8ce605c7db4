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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/defaults"
)

func issueFor(t *testing.T, a *testAuthority, deviceID string) Record {
	t.Helper()
	issued, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM:   genRSACSR(t, a.FormatCN(deviceID), 2048),
		DeviceID: deviceID,
		UserID:   "507f1f77bcf86cd799439011",
	})
	require.NoError(t, err)
	return issued.Record
}

func TestFindActiveCertificateStatuses(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)
	issueFor(t, a, "dev1")

	// Fresh issue: comfortably valid.
	lookup, err := a.FindActiveCertificate(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, ExpiryValid, lookup.ExpiryStatus)
	require.Equal(t, defaults.DeviceCertValidityDays, lookup.DaysUntilExpiry)

	// Inside the renewal window.
	a.clock.Advance(time.Duration(defaults.DeviceCertValidityDays-defaults.CertRenewalWindowDays+1) * 24 * time.Hour)
	lookup, err = a.FindActiveCertificate(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, ExpiryRenewalWindow, lookup.ExpiryStatus)
	require.Contains(t, a.auditEvents(t), audit.EventCertificateRenewalDue)

	// Past expiry but inside the grace period.
	a.clock.Advance(time.Duration(defaults.CertRenewalWindowDays) * 24 * time.Hour)
	lookup, err = a.FindActiveCertificate(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, ExpiryGracePeriod, lookup.ExpiryStatus)
	require.Negative(t, lookup.DaysUntilExpiry)
	require.Contains(t, a.auditEvents(t), audit.EventCertificateGraceAccepted)

	// Past the grace period: the row flips to expired and the lookup
	// reports NotFound.
	a.clock.Advance(time.Duration(defaults.CertGracePeriodDays) * 24 * time.Hour)
	_, err = a.FindActiveCertificate(ctx, "dev1")
	require.True(t, trace.IsNotFound(err))
	require.Contains(t, a.auditEvents(t), audit.EventCertificateExpired)

	rec, err := a.records.GetByDevice(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, StatusExpired, rec.Status)

	// A later lookup no longer finds an active row at all.
	_, err = a.FindActiveCertificate(ctx, "dev1")
	require.True(t, trace.IsNotFound(err))
}

func TestExpiryBoundaryIsGracePeriod(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)
	rec := issueFor(t, a, "dev2")

	// Exactly at expires_at the certificate is grace_period, not yet hard
	// expired.
	a.clock.Advance(rec.ExpiresAt.Sub(a.clock.Now()))
	lookup, err := a.FindActiveCertificate(ctx, "dev2")
	require.NoError(t, err)
	require.Equal(t, ExpiryGracePeriod, lookup.ExpiryStatus)
}

func TestRevokeByDeviceAndByCertID(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)
	rec := issueFor(t, a, "dev3")

	revoked, err := a.Revoke(ctx, "dev3")
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	require.Contains(t, a.auditEvents(t), audit.EventCertificateRevoked)

	// Idempotent: a second revocation is a no-op, not an error.
	before := len(a.auditEvents(t))
	again, err := a.Revoke(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, again.Status)
	require.Len(t, a.auditEvents(t), before)

	_, err = a.Revoke(ctx, "no-such-device")
	require.True(t, trace.IsNotFound(err))
}

func TestRevokeByOrderAndBatch(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	for _, tc := range []struct{ device, batch string }{
		{"bulk1", "b1"},
		{"bulk2", "b1"},
		{"bulk3", "b2"},
	} {
		_, err := a.SignCSR(ctx, SignRequest{
			CSRPEM:   genRSACSR(t, a.FormatStructuredCN(tc.device, "ord1", tc.batch), 2048),
			DeviceID: tc.device,
			UserID:   "507f1f77bcf86cd799439011",
			OrderID:  "ord1",
			BatchID:  tc.batch,
		})
		require.NoError(t, err)
	}

	count, err := a.RevokeByOrder(ctx, "ord1", "b1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	rec, err := a.records.GetByDevice(ctx, "bulk3")
	require.NoError(t, err)
	require.Equal(t, StatusActive, rec.Status)

	// The remaining batch goes with an order-wide revocation; already
	// revoked rows are skipped.
	count, err = a.RevokeByOrder(ctx, "ord1", "")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTouchLastUsed(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)
	rec := issueFor(t, a, "dev4")
	require.Nil(t, rec.LastUsed)

	a.clock.Advance(time.Hour)
	require.NoError(t, a.TouchLastUsed(ctx, rec))

	updated, err := a.records.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastUsed)
	require.Equal(t, a.clock.Now().UTC(), *updated.LastUsed)
}
