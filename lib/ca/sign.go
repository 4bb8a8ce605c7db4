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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/transparency"
)

// SignRequest carries one CSR through the issuance pipeline.
type SignRequest struct {
	// CSRPEM is the PEM-encoded certificate signing request.
	CSRPEM []byte
	// DeviceID is the device the provisioning token was bound to.
	DeviceID string
	// UserID is the owning user.
	UserID string
	// OrderID and BatchID, when both set, admit the structured CN form.
	OrderID string
	BatchID string
	// Replace allows re-issuance over an existing active certificate,
	// updating the old row in place.
	Replace bool
}

// Issued is the outcome of a successful signing.
type Issued struct {
	Record       Record
	Transparency *transparency.Entry
}

// SignCSR validates and signs a device CSR. Validation failures (steps
// before the signature lands) leave the caller's provisioning token intact
// so the device can retry with a corrected CSR.
func (a *Authority) SignCSR(ctx context.Context, req SignRequest) (*Issued, error) {
	if a.rootKey == nil {
		return nil, statsmqtt.NewError(http.StatusInternalServerError,
			statsmqtt.CodeRootCANotInitialized, "root CA is not initialized")
	}
	if req.DeviceID == "" {
		return nil, statsmqtt.NewError(http.StatusBadRequest,
			statsmqtt.CodeDeviceIDRequired, "device_id is required")
	}

	csr, rsaKey, err := a.parseAndValidateCSR(req.CSRPEM)
	if err != nil {
		a.auditAuthFailure(ctx, req, err)
		return nil, trace.Wrap(err)
	}

	expected := a.expectedCNs(req.DeviceID, req.OrderID, req.BatchID)
	matchedCN, ok := matchSubject(csr, expected)
	if !ok {
		err := statsmqtt.NewError(http.StatusBadRequest, statsmqtt.CodeInvalidCSRDeviceID,
			"CSR subject %q does not match the provisioned device. Set CN to %q and retry",
			csr.Subject.CommonName, expected[0])
		a.auditAuthFailure(ctx, req, err)
		return nil, err
	}

	// One signing per device at a time: together with the unique active
	// index this keeps a single active row per device.
	mu := a.deviceLock(req.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	now := a.cfg.Clock.Now()
	existing, err := a.cfg.Records.GetActiveByDevice(ctx, req.DeviceID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if existing != nil && existing.ExpiresAt.After(now) && !req.Replace {
		return nil, statsmqtt.NewError(http.StatusConflict, statsmqtt.CodeDeviceHasActiveCert,
			"device %q already has an active certificate expiring %s",
			req.DeviceID, existing.ExpiresAt.UTC().Format(time.RFC3339))
	}

	certPEM, der, serial, err := a.buildAndSign(csr, rsaKey, matchedCN, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	rec := Record{
		ID:               uuid.NewString(),
		DeviceID:         req.DeviceID,
		UserID:           req.UserID,
		OrderID:          req.OrderID,
		BatchID:          req.BatchID,
		CertificatePEM:   string(certPEM),
		CACertificatePEM: string(a.rootPEM),
		CN:               matchedCN,
		Fingerprint:      fingerprintDER(der),
		SerialNumber:     serial,
		Status:           StatusActive,
		CreatedAt:        now.UTC(),
		ExpiresAt:        now.AddDate(0, 0, a.cfg.DeviceCertValidityDays).UTC(),
	}

	if existing != nil && req.Replace {
		rec.ID = existing.ID
		if err := a.cfg.Records.Update(ctx, rec); err != nil {
			return nil, a.auditPartialFailure(ctx, rec, err)
		}
	} else {
		if err := a.cfg.Records.Insert(ctx, rec); err != nil {
			if trace.IsAlreadyExists(err) {
				return nil, statsmqtt.NewError(http.StatusConflict,
					statsmqtt.CodeDeviceHasActiveCert,
					"device %q already has an active certificate", req.DeviceID)
			}
			return nil, a.auditPartialFailure(ctx, rec, err)
		}
	}

	if _, err := a.cfg.Audit.LogEvent(ctx, audit.Record{
		Event:       audit.EventCertificateIssued,
		DeviceID:    rec.DeviceID,
		UserID:      rec.UserID,
		OrderID:     rec.OrderID,
		BatchID:     rec.BatchID,
		Serial:      rec.SerialNumber,
		Fingerprint: rec.Fingerprint,
		Details: map[string]any{
			"cn":         rec.CN,
			"expires_at": rec.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	issued := &Issued{Record: rec}
	if a.cfg.Transparency != nil {
		entry, err := a.cfg.Transparency.AddEntry(ctx,
			rec.Fingerprint, rec.SerialNumber, rec.CN, rec.DeviceID, now)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		issued.Transparency = entry
	}

	a.cfg.Log.InfoContext(ctx, "issued device certificate",
		"device_id", rec.DeviceID, "cn", rec.CN, "serial", rec.SerialNumber)
	return issued, nil
}

// parseAndValidateCSR runs steps 1-3 of the pipeline: parse, self-signature,
// key policy.
func (a *Authority) parseAndValidateCSR(csrPEM []byte) (*x509.CertificateRequest, *rsa.PublicKey, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, nil, statsmqtt.ErrInvalidCSR("CSR is not PEM encoded. Send the full PEM block including BEGIN/END lines")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, nil, statsmqtt.ErrInvalidCSR("failed to parse CSR: %v", err)
	}
	rsaKey, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, statsmqtt.ErrUnsupportedCSRKeyType()
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, statsmqtt.ErrInvalidCSR("CSR self-signature is invalid: %v", err)
	}
	if bits := rsaKey.N.BitLen(); bits < a.cfg.MinKeyBits {
		return nil, nil, statsmqtt.ErrInvalidCSR(
			"RSA key is %d bits, minimum is %d. Generate RSA %d and retry",
			bits, a.cfg.MinKeyBits, a.cfg.MinKeyBits)
	}
	return csr, rsaKey, nil
}

// buildAndSign runs steps 6-7: template construction and the RSA signature.
// Signing is bounded by the semaphore so a burst of issuance requests queues
// instead of oversubscribing every core.
func (a *Authority) buildAndSign(csr *x509.CertificateRequest, key *rsa.PublicKey, cn string, now time.Time) (certPEM, der []byte, serialHex string, err error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, "", trace.Wrap(err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(0, 0, a.cfg.DeviceCertValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	if len(csr.DNSNames) > 0 {
		template.DNSNames = csr.DNSNames
	} else {
		template.DNSNames = []string{cn}
	}

	a.signSem <- struct{}{}
	der, err = x509.CreateCertificate(rand.Reader, &template, a.rootCert, key, a.rootKey)
	<-a.signSem
	if err != nil {
		return nil, nil, "", trace.Wrap(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return certPEM, der, serial.Text(16), nil
}

func (a *Authority) auditAuthFailure(ctx context.Context, req SignRequest, cause error) {
	if _, err := a.cfg.Audit.LogEvent(ctx, audit.Record{
		Event:    audit.EventDeviceAuthFailed,
		DeviceID: req.DeviceID,
		UserID:   req.UserID,
		Details:  map[string]any{"reason": cause.Error()},
	}); err != nil {
		a.cfg.Log.WarnContext(ctx, "failed to audit CSR rejection", "error", err)
	}
}

// auditPartialFailure records a certificate that was signed but whose row
// could not be persisted, then surfaces the storage error.
func (a *Authority) auditPartialFailure(ctx context.Context, rec Record, cause error) error {
	if _, err := a.cfg.Audit.LogEvent(ctx, audit.Record{
		Event:       audit.EventCertificateIssued,
		DeviceID:    rec.DeviceID,
		UserID:      rec.UserID,
		Serial:      rec.SerialNumber,
		Fingerprint: rec.Fingerprint,
		Details: map[string]any{
			"partial": true,
			"error":   cause.Error(),
		},
	}); err != nil {
		a.cfg.Log.WarnContext(ctx, "failed to audit partial issuance", "error", err)
	}
	return trace.Wrap(cause)
}
