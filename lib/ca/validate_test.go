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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// certSpec drives the hand-built test certificates.
type certSpec struct {
	cn         string
	isCA       bool
	maxPathLen int
	pathLenSet bool
	keyUsage   x509.KeyUsage
	extKeyUse  []x509.ExtKeyUsage
	notBefore  time.Time
	notAfter   time.Time
}

type testCert struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	pem  []byte
}

func makeCert(t *testing.T, spec certSpec, parent *testCert) *testCert {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: spec.cn},
		NotBefore:             spec.notBefore,
		NotAfter:              spec.notAfter,
		KeyUsage:              spec.keyUsage,
		ExtKeyUsage:           spec.extKeyUse,
		IsCA:                  spec.isCA,
		BasicConstraintsValid: true,
	}
	if spec.pathLenSet {
		template.MaxPathLen = spec.maxPathLen
		template.MaxPathLenZero = spec.maxPathLen == 0
	}

	signerCert := &template
	signerKey := key
	if parent != nil {
		signerCert = parent.cert
		signerKey = parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, signerCert, key.Public(), signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCert{
		cert: cert,
		key:  key,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func TestValidateKeyUsageAndEKU(t *testing.T) {
	a := newTestAuthority(t, nil)
	now := a.clock.Now()
	window := certSpec{notBefore: now.Add(-time.Hour), notAfter: now.Add(time.Hour)}

	t.Run("compliant", func(t *testing.T) {
		spec := window
		spec.cn = "PROOF-ok"
		spec.keyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		spec.extKeyUse = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		result, err := a.ValidateKeyUsageAndEKU(makeCert(t, spec, nil).pem)
		require.NoError(t, err)
		require.True(t, result.Valid)
		require.True(t, result.HasDigitalSignature)
		require.True(t, result.HasClientAuth)
		require.False(t, result.HasProhibitedKeyCertSign)
	})

	t.Run("no extensions at all", func(t *testing.T) {
		spec := window
		spec.cn = "PROOF-bare"
		result, err := a.ValidateKeyUsageAndEKU(makeCert(t, spec, nil).pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.NotEmpty(t, result.Errors)
	})

	t.Run("missing clientAuth", func(t *testing.T) {
		spec := window
		spec.cn = "PROOF-server"
		spec.keyUsage = x509.KeyUsageDigitalSignature
		spec.extKeyUse = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		result, err := a.ValidateKeyUsageAndEKU(makeCert(t, spec, nil).pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.False(t, result.HasClientAuth)
	})

	t.Run("prohibited keyCertSign", func(t *testing.T) {
		spec := window
		spec.cn = "PROOF-rogue"
		spec.keyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
		spec.extKeyUse = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		result, err := a.ValidateKeyUsageAndEKU(makeCert(t, spec, nil).pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.True(t, result.HasProhibitedKeyCertSign)
	})

	t.Run("not a certificate", func(t *testing.T) {
		_, err := a.ValidateKeyUsageAndEKU([]byte("garbage"))
		require.Error(t, err)
	})
}

func TestValidateChain(t *testing.T) {
	a := newTestAuthority(t, nil)
	now := a.clock.Now()

	caSpec := func(cn string, pathLen int) certSpec {
		return certSpec{
			cn:         cn,
			isCA:       true,
			maxPathLen: pathLen,
			pathLenSet: true,
			keyUsage:   x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			notBefore:  now.Add(-time.Hour),
			notAfter:   now.AddDate(1, 0, 0),
		}
	}
	leafSpec := certSpec{
		cn:        "PROOF-leaf",
		keyUsage:  x509.KeyUsageDigitalSignature,
		extKeyUse: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		notBefore: now.Add(-time.Hour),
		notAfter:  now.AddDate(0, 0, 30),
	}

	t.Run("valid three level chain", func(t *testing.T) {
		root := makeCert(t, caSpec("Test Root", 1), nil)
		intermediate := makeCert(t, caSpec("Test Intermediate", 0), root)
		leaf := makeCert(t, leafSpec, intermediate)

		result, err := a.ValidateChain(leaf.pem, [][]byte{intermediate.pem}, root.pem)
		require.NoError(t, err)
		require.True(t, result.Valid, "errors: %v", result.Errors)
		require.Equal(t, 3, result.ChainLength)
		require.Equal(t, []string{"PROOF-leaf", "Test Intermediate", "Test Root"}, result.ChainSubjects)
	})

	t.Run("broken signature link", func(t *testing.T) {
		root := makeCert(t, caSpec("Test Root", 1), nil)
		otherRoot := makeCert(t, caSpec("Other Root", 1), nil)
		leaf := makeCert(t, leafSpec, otherRoot)

		result, err := a.ValidateChain(leaf.pem, nil, root.pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
	})

	t.Run("expired leaf", func(t *testing.T) {
		root := makeCert(t, caSpec("Test Root", 1), nil)
		spec := leafSpec
		spec.notBefore = now.AddDate(0, 0, -60)
		spec.notAfter = now.AddDate(0, 0, -30)
		leaf := makeCert(t, spec, root)

		result, err := a.ValidateChain(leaf.pem, nil, root.pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Contains(t, result.Errors[0], "validity window")
	})

	t.Run("leaf marked as CA", func(t *testing.T) {
		root := makeCert(t, caSpec("Test Root", 1), nil)
		spec := leafSpec
		spec.isCA = true
		leaf := makeCert(t, spec, root)

		result, err := a.ValidateChain(leaf.pem, nil, root.pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
	})

	t.Run("intermediate without CA flag", func(t *testing.T) {
		root := makeCert(t, caSpec("Test Root", 1), nil)
		spec := leafSpec
		spec.cn = "Fake Intermediate"
		notCA := makeCert(t, spec, root)
		leaf := makeCert(t, leafSpec, notCA)

		result, err := a.ValidateChain(leaf.pem, [][]byte{notCA.pem}, root.pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
	})

	t.Run("path length constraint exceeded", func(t *testing.T) {
		root := makeCert(t, caSpec("Test Root", 0), nil)
		intermediate := makeCert(t, caSpec("Test Intermediate", 0), root)
		leaf := makeCert(t, leafSpec, intermediate)

		result, err := a.ValidateChain(leaf.pem, [][]byte{intermediate.pem}, root.pem)
		require.NoError(t, err)
		require.False(t, result.Valid)
	})
}
