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
	"crypto/x509"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/defaults"
	"github.com/statsnapp/statsmqtt/lib/transparency"
)

func TestSignCSRIssuesCertificate(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	issued, err := a.SignCSR(ctx, SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-dev1", 2048),
		DeviceID: "dev1",
		UserID:   "507f1f77bcf86cd799439011",
	})
	require.NoError(t, err)

	cert, err := parseCertificatePEM([]byte(issued.Record.CertificatePEM))
	require.NoError(t, err)
	require.Equal(t, "PROOF-dev1", cert.Subject.CommonName)
	require.False(t, cert.IsCA)
	require.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	// No SAN on the CSR, so the CN is synthesized as a DNS SAN.
	require.Equal(t, []string{"PROOF-dev1"}, cert.DNSNames)

	// Signed by the root.
	root, err := parseCertificatePEM(a.CACertPEM())
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignatureFrom(root))

	// Validity window comes from the clock and configured days.
	require.Equal(t, a.clock.Now().UTC().AddDate(0, 0, defaults.DeviceCertValidityDays),
		issued.Record.ExpiresAt)
	require.Equal(t, StatusActive, issued.Record.Status)
	require.Empty(t, issued.Record.PrivateKeyPEM)

	// Issuance is audited and logged to transparency.
	require.Contains(t, a.auditEvents(t), audit.EventCertificateIssued)
	require.NotNil(t, issued.Transparency)
	require.Equal(t, uint64(0), issued.Transparency.Index)
	require.True(t, transparency.VerifyInclusion(
		issued.Transparency.LeafHash,
		issued.Transparency.InclusionProof,
		issued.Transparency.RootHash))
}

func TestSignCSRAcceptsSANMatch(t *testing.T) {
	a := newTestAuthority(t, nil)
	issued, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM:   genRSACSR(t, "ignored-cn", 2048, "PROOF-dev2"),
		DeviceID: "dev2",
		UserID:   "507f1f77bcf86cd799439011",
	})
	require.NoError(t, err)
	require.Equal(t, "PROOF-dev2", issued.Record.CN)

	cert, err := parseCertificatePEM([]byte(issued.Record.CertificatePEM))
	require.NoError(t, err)
	// CSR SANs are preserved as-is.
	require.Equal(t, []string{"PROOF-dev2"}, cert.DNSNames)
}

func TestSignCSRStructuredCN(t *testing.T) {
	a := newTestAuthority(t, func(cfg *Config) {
		cfg.CNFormat = CNFormatStructured
	})
	issued, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-ORD1-B1-dev3", 2048),
		DeviceID: "dev3",
		UserID:   "507f1f77bcf86cd799439011",
		OrderID:  "ord1",
		BatchID:  "b1",
	})
	require.NoError(t, err)
	require.Equal(t, "PROOF-ORD1-B1-dev3", issued.Record.CN)
	require.Equal(t, "ord1", issued.Record.OrderID)
	require.Equal(t, "b1", issued.Record.BatchID)
}

func TestSignCSRRejectsECKey(t *testing.T) {
	a := newTestAuthority(t, nil)
	_, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM:   genECCSR(t, "PROOF-dev4"),
		DeviceID: "dev4",
	})
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeUnsupportedCSRKeyType))
	require.Contains(t, a.auditEvents(t), audit.EventDeviceAuthFailed)
}

func TestSignCSRRejectsSmallKey(t *testing.T) {
	a := newTestAuthority(t, nil)
	_, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-dev5", 1024),
		DeviceID: "dev5",
	})
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeInvalidCSR))
	coded, ok := statsmqtt.AsError(err)
	require.True(t, ok)
	require.Contains(t, coded.Message, "1024")
	require.Contains(t, coded.Message, "2048")
}

func TestSignCSRRejectsWrongCN(t *testing.T) {
	a := newTestAuthority(t, nil)
	_, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-other", 2048),
		DeviceID: "dev6",
	})
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeInvalidCSRDeviceID))
	coded, _ := statsmqtt.AsError(err)
	// The rejection tells the device which CN to use.
	require.Contains(t, coded.Message, "PROOF-dev6")
}

func TestSignCSRRejectsGarbage(t *testing.T) {
	a := newTestAuthority(t, nil)
	_, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM:   []byte("not a csr"),
		DeviceID: "dev7",
	})
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeInvalidCSR))
}

func TestSignCSRRequiresDeviceID(t *testing.T) {
	a := newTestAuthority(t, nil)
	_, err := a.SignCSR(context.Background(), SignRequest{
		CSRPEM: genRSACSR(t, "PROOF-dev8", 2048),
	})
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeDeviceIDRequired))
}

func TestSignCSRConflictsOnActiveCertificate(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	_, err := a.SignCSR(ctx, SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-dev9", 2048),
		DeviceID: "dev9",
	})
	require.NoError(t, err)

	_, err = a.SignCSR(ctx, SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-dev9", 2048),
		DeviceID: "dev9",
	})
	require.True(t, statsmqtt.IsCode(err, statsmqtt.CodeDeviceHasActiveCert))
	coded, _ := statsmqtt.AsError(err)
	require.Equal(t, http.StatusConflict, coded.Status)
}

func TestSignCSRReplaceUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(t, nil)

	first, err := a.SignCSR(ctx, SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-dev10", 2048),
		DeviceID: "dev10",
	})
	require.NoError(t, err)

	second, err := a.SignCSR(ctx, SignRequest{
		CSRPEM:   genRSACSR(t, "PROOF-dev10", 2048),
		DeviceID: "dev10",
		Replace:  true,
	})
	require.NoError(t, err)
	require.Equal(t, first.Record.ID, second.Record.ID)
	require.NotEqual(t, first.Record.SerialNumber, second.Record.SerialNumber)

	// Still exactly one row, and it is the replacement.
	rec, err := a.records.GetActiveByDevice(ctx, "dev10")
	require.NoError(t, err)
	require.Equal(t, second.Record.SerialNumber, rec.SerialNumber)
}
