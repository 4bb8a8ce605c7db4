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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/defaults"
	"github.com/statsnapp/statsmqtt/lib/transparency"
)

type testAuthority struct {
	*Authority
	clock      *clockwork.FakeClock
	records    *MemoryRecords
	auditStore *audit.MemoryStore
	ctStore    *transparency.MemoryStore
	dir        string
}

func newTestAuthority(t *testing.T, mutate func(*Config)) *testAuthority {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	auditStore := audit.NewMemoryStore()
	journal, err := audit.NewLog(audit.Config{
		Store:       auditStore,
		FallbackDir: filepath.Join(dir, "fallback"),
		Clock:       clock,
		Log:         slog.Default(),
	})
	require.NoError(t, err)
	require.NoError(t, journal.Initialize(ctx))

	ctStore := transparency.NewMemoryStore()
	ctLog, err := transparency.NewLog(transparency.Config{
		Store: ctStore,
		Clock: clock,
		Log:   slog.Default(),
	})
	require.NoError(t, err)
	require.NoError(t, ctLog.Initialize(ctx))

	records := NewMemoryRecords()
	cfg := Config{
		Records:      records,
		Audit:        journal,
		Transparency: ctLog,
		StoragePath:  filepath.Join(dir, "ca"),
		Clock:        clock,
		Log:          slog.Default(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	authority, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, authority.Initialize(ctx))

	return &testAuthority{
		Authority:  authority,
		clock:      clock,
		records:    records,
		auditStore: auditStore,
		ctStore:    ctStore,
		dir:        dir,
	}
}

// auditEvents returns the recorded event names in append order.
func (a *testAuthority) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, err := a.auditStore.Entries(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Event)
	}
	return names
}

func genRSACSR(t *testing.T, cn string, bits int, dnsNames ...string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: dnsNames,
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func genECCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestInitializeGeneratesAndReloadsRoot(t *testing.T) {
	a := newTestAuthority(t, nil)
	pemBytes := a.CACertPEM()
	require.NotEmpty(t, pemBytes)

	cert, err := parseCertificatePEM(pemBytes)
	require.NoError(t, err)
	require.True(t, cert.IsCA)
	require.Equal(t, "StatsMQTT Lite Root CA", cert.Subject.CommonName)
	require.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	require.Equal(t, a.clock.Now().UTC().AddDate(defaults.RootCAValidityYears, 0, 0),
		cert.NotAfter.UTC())

	// Generation lands on the audit chain.
	require.Contains(t, a.auditEvents(t), audit.EventRootCAInitialized)

	// Key material is written with restrictive modes.
	keyInfo, err := os.Stat(filepath.Join(a.dir, "ca", defaults.RootCAKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	// A second authority over the same directory loads, not regenerates.
	reloaded, err := New(Config{
		Records:     NewMemoryRecords(),
		Audit:       a.cfg.Audit,
		StoragePath: filepath.Join(a.dir, "ca"),
		Clock:       a.clock,
		Log:         slog.Default(),
	})
	require.NoError(t, err)
	require.NoError(t, reloaded.Initialize(context.Background()))
	require.Equal(t, string(pemBytes), string(reloaded.CACertPEM()))
}

func TestCommonNameFormats(t *testing.T) {
	a := newTestAuthority(t, nil)
	require.Equal(t, "PROOF-dev42", a.FormatCN("dev42"))
	require.Equal(t, "PROOF-ORD9-B2-dev42", a.FormatStructuredCN("dev42", "ord9", "b2"))
}
