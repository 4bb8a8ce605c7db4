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
	"math"
	"time"

	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt/lib/audit"
)

// ExpiryStatus classifies where a certificate sits relative to its expiry.
type ExpiryStatus string

const (
	// ExpiryValid means comfortably inside the validity window.
	ExpiryValid ExpiryStatus = "valid"
	// ExpiryRenewalWindow means expiry is close; the device should renew.
	ExpiryRenewalWindow ExpiryStatus = "renewal_window"
	// ExpiryGracePeriod means recently expired but still accepted with a
	// warning, so a fleet that missed a renewal window does not go dark.
	ExpiryGracePeriod ExpiryStatus = "grace_period"
	// ExpiryHardExpired means expired beyond the grace period.
	ExpiryHardExpired ExpiryStatus = "hard_expired"
)

// Lookup is an active-certificate lookup annotated with expiry standing.
type Lookup struct {
	Record          Record       `json:"record"`
	ExpiryStatus    ExpiryStatus `json:"expiryStatus"`
	DaysUntilExpiry int          `json:"daysUntilExpiry"`
}

// FindActiveCertificate returns the device's active certificate annotated
// with its expiry standing. A hard-expired certificate is transitioned to
// status expired on this read and NotFound is returned; the status flip is
// explicit here rather than hidden in a storage hook.
func (a *Authority) FindActiveCertificate(ctx context.Context, deviceID string) (*Lookup, error) {
	rec, err := a.cfg.Records.GetActiveByDevice(ctx, deviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := a.cfg.Clock.Now()
	untilExpiry := rec.ExpiresAt.Sub(now)
	days := int(math.Ceil(untilExpiry.Hours() / 24))

	switch {
	case days > a.cfg.RenewalWindowDays:
		return &Lookup{Record: *rec, ExpiryStatus: ExpiryValid, DaysUntilExpiry: days}, nil

	case untilExpiry > 0:
		a.auditEvent(ctx, audit.Record{
			Event:       audit.EventCertificateRenewalDue,
			DeviceID:    rec.DeviceID,
			UserID:      rec.UserID,
			Fingerprint: rec.Fingerprint,
			Details:     map[string]any{"days_until_expiry": days},
		})
		return &Lookup{Record: *rec, ExpiryStatus: ExpiryRenewalWindow, DaysUntilExpiry: days}, nil

	case now.Sub(rec.ExpiresAt) <= time.Duration(a.cfg.GracePeriodDays)*24*time.Hour:
		a.auditEvent(ctx, audit.Record{
			Event:       audit.EventCertificateGraceAccepted,
			DeviceID:    rec.DeviceID,
			UserID:      rec.UserID,
			Fingerprint: rec.Fingerprint,
			Details:     map[string]any{"expired_days_ago": -days},
		})
		return &Lookup{Record: *rec, ExpiryStatus: ExpiryGracePeriod, DaysUntilExpiry: days}, nil

	default:
		expired := *rec
		expired.Status = StatusExpired
		if err := a.cfg.Records.Update(ctx, expired); err != nil {
			return nil, trace.Wrap(err)
		}
		a.auditEvent(ctx, audit.Record{
			Event:       audit.EventCertificateExpired,
			DeviceID:    rec.DeviceID,
			UserID:      rec.UserID,
			Fingerprint: rec.Fingerprint,
		})
		return nil, trace.NotFound("certificate for device %q is expired", deviceID)
	}
}

// TouchLastUsed stamps the record's last_used, called from the cert-status
// lookup path.
func (a *Authority) TouchLastUsed(ctx context.Context, rec Record) error {
	now := a.cfg.Clock.Now().UTC()
	rec.LastUsed = &now
	return trace.Wrap(a.cfg.Records.Update(ctx, rec))
}

// Lookup returns a certificate record by device id or by the record's
// primary key.
func (a *Authority) Lookup(ctx context.Context, deviceOrCertID string) (*Record, error) {
	rec, err := a.cfg.Records.GetByDevice(ctx, deviceOrCertID)
	if trace.IsNotFound(err) {
		rec, err = a.cfg.Records.GetByID(ctx, deviceOrCertID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rec, nil
}

// Revoke marks a certificate revoked, accepting either a device id or the
// record's primary key. Revoking an already-revoked certificate is a no-op.
func (a *Authority) Revoke(ctx context.Context, deviceOrCertID string) (*Record, error) {
	rec, err := a.Lookup(ctx, deviceOrCertID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if rec.Status == StatusRevoked {
		return rec, nil
	}

	now := a.cfg.Clock.Now().UTC()
	rec.Status = StatusRevoked
	rec.RevokedAt = &now
	if err := a.cfg.Records.Update(ctx, *rec); err != nil {
		return nil, trace.Wrap(err)
	}
	a.auditEvent(ctx, audit.Record{
		Event:       audit.EventCertificateRevoked,
		DeviceID:    rec.DeviceID,
		UserID:      rec.UserID,
		OrderID:     rec.OrderID,
		BatchID:     rec.BatchID,
		Serial:      rec.SerialNumber,
		Fingerprint: rec.Fingerprint,
	})
	a.cfg.Log.InfoContext(ctx, "revoked certificate",
		"device_id", rec.DeviceID, "serial", rec.SerialNumber)
	return rec, nil
}

// RevokeByOrder revokes every certificate issued under an order, optionally
// narrowed to one batch. Structured common names are what make this a
// single indexed query rather than a fleet-wide scan.
func (a *Authority) RevokeByOrder(ctx context.Context, orderID, batchID string) (int, error) {
	recs, err := a.cfg.Records.ListByOrder(ctx, orderID, batchID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	revoked := 0
	for _, rec := range recs {
		if rec.Status == StatusRevoked {
			continue
		}
		if _, err := a.Revoke(ctx, rec.ID); err != nil {
			return revoked, trace.Wrap(err)
		}
		revoked++
	}
	return revoked, nil
}

func (a *Authority) auditEvent(ctx context.Context, rec audit.Record) {
	if _, err := a.cfg.Audit.LogEvent(ctx, rec); err != nil {
		a.cfg.Log.WarnContext(ctx, "failed to append audit event",
			"event", rec.Event, "error", err)
	}
}
