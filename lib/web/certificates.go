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

package web

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt"
)

// handleCertificateDownload returns the PEM material for a certificate by
// its record id or device id. private_key is null: devices hold their own
// keys.
func (s *Server) handleCertificateDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := param(r, "id")

	rec, err := s.cfg.CA.Lookup(ctx, id)
	if err != nil {
		s.writeError(w, r, certNotFound(err, id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"certificate":    rec.CertificatePEM,
		"ca_certificate": rec.CACertificatePEM,
		"private_key":    nil,
	})
}

// handleCertificateStatus returns the lifecycle state of a device's
// certificate and stamps last_used.
func (s *Server) handleCertificateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := param(r, "id")

	rec, err := s.cfg.CA.Lookup(ctx, id)
	if err != nil {
		s.writeError(w, r, certNotFound(err, id))
		return
	}
	if err := s.cfg.CA.TouchLastUsed(ctx, *rec); err != nil {
		s.cfg.Log.Warn("failed to stamp last_used", "device_id", rec.DeviceID, "error", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   rec.DeviceID,
		"status":      rec.Status,
		"expires_at":  rec.ExpiresAt.UTC().Format(time.RFC3339),
		"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339),
		"fingerprint": rec.Fingerprint,
	})
}

// handleCertificateRevoke revokes by device id or record id. Revoking an
// already-revoked certificate is a no-op 200; a missing one is 404.
func (s *Server) handleCertificateRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := param(r, "id")

	rec, err := s.cfg.CA.Revoke(ctx, id)
	if err != nil {
		s.writeError(w, r, certNotFound(err, id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_id": rec.DeviceID,
		"status":    rec.Status,
	})
}

// certNotFound turns a storage NotFound into the stable wire code while
// letting connection problems surface as 503.
func certNotFound(err error, id string) error {
	if trace.IsNotFound(err) {
		return statsmqtt.NewError(http.StatusNotFound, statsmqtt.CodeCertificateNotFound,
			"no certificate found for %q", id)
	}
	return err
}
