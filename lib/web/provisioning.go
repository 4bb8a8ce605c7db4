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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/authn"
	"github.com/statsnapp/statsmqtt/lib/ca"
)

type onboardingRequest struct {
	DeviceID string `json:"device_id"`
	OrderID  string `json:"order_id,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
}

// handleOnboarding is stage 1: bearer auth, user and device checks, then a
// short-lived provisioning token. Re-onboarding while a token is live is
// idempotent and returns the existing token.
func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := authn.BearerToken(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	identity, err := s.cfg.Verifier.Verify(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	exists, err := s.cfg.Directory.UserExists(ctx, identity.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !exists {
		s.writeError(w, r, statsmqtt.NewError(http.StatusNotFound,
			statsmqtt.CodeUserNotFound, "user %q not found", identity.UserID))
		return
	}

	var req onboardingRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		s.writeError(w, r, statsmqtt.NewError(http.StatusBadRequest,
			statsmqtt.CodeDeviceIDRequired, "device_id is required"))
		return
	}

	if !s.cfg.AllowOnboardingWithActiveCert {
		lookup, err := s.cfg.CA.FindActiveCertificate(ctx, req.DeviceID)
		if err != nil && !trace.IsNotFound(err) {
			s.writeError(w, r, err)
			return
		}
		if lookup != nil && lookup.ExpiryStatus != ca.ExpiryGracePeriod {
			s.writeError(w, r, statsmqtt.NewError(http.StatusConflict,
				statsmqtt.CodeDeviceHasActiveCert,
				"device %q already has an active certificate expiring %s",
				req.DeviceID, lookup.Record.ExpiresAt.UTC().Format(time.RFC3339)))
			return
		}
	}

	issued, err := s.cfg.Provision.IssueToken(ctx, req.DeviceID, identity.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"provisioning_token": issued.Token,
		"expires_in":         issued.ExpiresIn,
		"device_id":          issued.DeviceID,
	})
}

type signCSRRequest struct {
	CSR               string `json:"csr"`
	ProvisioningToken string `json:"provisioning_token,omitempty"`
	Token             string `json:"token,omitempty"`
	OrderID           string `json:"order_id,omitempty"`
	BatchID           string `json:"batch_id,omitempty"`
	Replace           bool   `json:"replace,omitempty"`
}

// handleSignCSR is stage 2: validate and consume the provisioning token,
// re-check the directory, sign the CSR. The token is revoked only after
// full issuance success so a device can retry a rejected CSR.
func (s *Server) handleSignCSR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req signCSRRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token := bearerOr(r, req.ProvisioningToken, req.Token)
	if token == "" {
		s.writeError(w, r, statsmqtt.NewError(http.StatusUnauthorized,
			statsmqtt.CodeTokenMissing, "provisioning token is required"))
		return
	}

	validation, err := s.cfg.Provision.ValidateToken(ctx, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	exists, err := s.cfg.Directory.UserExists(ctx, validation.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !exists {
		s.writeError(w, r, statsmqtt.NewError(http.StatusNotFound,
			statsmqtt.CodeUserNotFound, "user %q not found", validation.UserID))
		return
	}
	owns, err := s.cfg.Directory.DeviceBelongsToUser(ctx, validation.DeviceID, validation.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !owns {
		s.writeError(w, r, statsmqtt.NewError(http.StatusForbidden,
			statsmqtt.CodeDeviceNotAssociated,
			"device %q is not associated with this user", validation.DeviceID))
		return
	}

	csrPEM, err := decodeCSR(req.CSR)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	issued, err := s.cfg.CA.SignCSR(ctx, ca.SignRequest{
		CSRPEM:   csrPEM,
		DeviceID: validation.DeviceID,
		UserID:   validation.UserID,
		OrderID:  req.OrderID,
		BatchID:  req.BatchID,
		Replace:  req.Replace,
	})
	if err != nil {
		// Every failure exit preserves the token: the device may retry
		// with a corrected CSR.
		s.writeError(w, r, err)
		return
	}

	// Full success: the token becomes one-time-use here and only here.
	if err := s.cfg.Provision.RevokeToken(ctx, token); err != nil {
		s.cfg.Log.Warn("failed to revoke consumed provisioning token",
			"device_id", validation.DeviceID, "error", err)
	}

	body := map[string]any{
		"device_id":      issued.Record.DeviceID,
		"certificate":    issued.Record.CertificatePEM,
		"ca_certificate": issued.Record.CACertificatePEM,
		"expires_at":     issued.Record.ExpiresAt.UTC().Format(time.RFC3339),
		"serial_number":  issued.Record.SerialNumber,
		"certificateId":  issued.Record.ID,
		"downloadUrl":    "/api/v1/certificates/" + issued.Record.ID + "/download",
	}
	if issued.Transparency != nil {
		body["transparency"] = issued.Transparency
	}
	s.writeJSON(w, http.StatusOK, body)
}

// bearerOr returns the Authorization bearer token, falling back to the
// given body fields.
func bearerOr(r *http.Request, fallbacks ...string) string {
	if token, err := authn.BearerToken(r); err == nil {
		return token
	}
	for _, fallback := range fallbacks {
		if fallback != "" {
			return fallback
		}
	}
	return ""
}

// signCSRToken extracts the provisioning token for rate-limit tier
// selection, restoring the request body for the handler.
func signCSRToken(r *http.Request) (string, error) {
	if token, err := authn.BearerToken(r); err == nil {
		return token, nil
	}
	if r.Body == nil {
		return "", nil
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "", trace.Wrap(err)
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))
	var req signCSRRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil
	}
	if req.ProvisioningToken != "" {
		return req.ProvisioningToken, nil
	}
	return req.Token, nil
}

// decodeCSR accepts a raw PEM CSR or a base64-wrapped PEM and normalizes
// line endings.
func decodeCSR(csr string) ([]byte, error) {
	csr = strings.TrimSpace(csr)
	if csr == "" {
		return nil, statsmqtt.ErrInvalidCSR("csr field is required")
	}
	if !strings.Contains(csr, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(csr)
		if err != nil {
			return nil, statsmqtt.ErrInvalidCSR(
				"csr must be a PEM block or base64-encoded PEM")
		}
		csr = string(decoded)
	}
	csr = strings.ReplaceAll(csr, "\r\n", "\n")
	csr = strings.ReplaceAll(csr, "\\n", "\n")
	return []byte(csr), nil
}
