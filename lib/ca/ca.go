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

// Package ca implements the certificate authority: root CA lifecycle, CSR
// validation and signing, grace-period-aware expiry, and revocation.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/defaults"
	"github.com/statsnapp/statsmqtt/lib/transparency"
)

// rootCASubject is the fixed subject of a freshly generated root.
var rootCASubject = pkix.Name{
	CommonName:         "StatsMQTT Lite Root CA",
	Organization:       []string{"StatsNapp"},
	OrganizationalUnit: []string{"Device PKI"},
	Country:            []string{"US"},
}

// CNFormat selects how issued common names are structured.
type CNFormat string

const (
	// CNFormatLegacy issues {PREFIX}-{deviceId}.
	CNFormatLegacy CNFormat = "legacy"
	// CNFormatStructured issues {PREFIX}-{ORDER}-{BATCH}-{DEVICE},
	// enabling bulk revocation by order or batch.
	CNFormatStructured CNFormat = "structured"
)

// AuditSink receives issuance lifecycle events.
type AuditSink interface {
	LogEvent(ctx context.Context, rec audit.Record) (*audit.Entry, error)
}

// TransparencyLog receives a leaf per issued certificate.
type TransparencyLog interface {
	AddEntry(ctx context.Context, fingerprint, serial, cn, deviceID string, issuedAt time.Time) (*transparency.Entry, error)
}

// Config holds certificate authority configuration.
type Config struct {
	// Records persists issued certificate rows.
	Records Records
	// Audit receives lifecycle events. Required.
	Audit AuditSink
	// Transparency receives issuance leaves. Nil disables the CT log.
	Transparency TransparencyLog
	// StoragePath is the directory holding root CA material.
	StoragePath string
	// RootCAValidityYears is the validity of a freshly generated root.
	RootCAValidityYears int
	// DeviceCertValidityDays is the validity of issued certificates.
	DeviceCertValidityDays int
	// CNPrefix prefixes every issued common name.
	CNPrefix string
	// CNFormat selects legacy or structured common names.
	CNFormat CNFormat
	// RenewalWindowDays is the pre-expiry renewal_window width.
	RenewalWindowDays int
	// GracePeriodDays is the post-expiry acceptance window.
	GracePeriodDays int
	// MinKeyBits is the minimum accepted CSR modulus size.
	MinKeyBits int
	// Clock drives validity and expiry decisions.
	Clock clockwork.Clock
	// Log is the subsystem logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Records == nil {
		return trace.BadParameter("missing parameter Records")
	}
	if c.Audit == nil {
		return trace.BadParameter("missing parameter Audit")
	}
	if c.StoragePath == "" {
		c.StoragePath = defaults.CAStoragePath
	}
	if c.RootCAValidityYears == 0 {
		c.RootCAValidityYears = defaults.RootCAValidityYears
	}
	if c.DeviceCertValidityDays == 0 {
		c.DeviceCertValidityDays = defaults.DeviceCertValidityDays
	}
	if c.CNPrefix == "" {
		c.CNPrefix = defaults.CertCNPrefix
	}
	if c.CNFormat == "" {
		c.CNFormat = CNFormatLegacy
	}
	if c.CNFormat != CNFormatLegacy && c.CNFormat != CNFormatStructured {
		return trace.BadParameter("unknown CN format %q", c.CNFormat)
	}
	if c.RenewalWindowDays == 0 {
		c.RenewalWindowDays = defaults.CertRenewalWindowDays
	}
	if c.GracePeriodDays == 0 {
		c.GracePeriodDays = defaults.CertGracePeriodDays
	}
	if c.MinKeyBits == 0 {
		c.MinKeyBits = defaults.MinCSRKeyBits
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(statsmqtt.Component, statsmqtt.ComponentCA)
	}
	return nil
}

// Authority is the certificate authority. The root key is loaded once at
// Initialize and lives only in process memory afterwards.
type Authority struct {
	cfg Config

	rootCert   *x509.Certificate
	rootKey    *rsa.PrivateKey
	rootPEM    []byte
	rootSerial string

	// signSem bounds concurrent RSA signing so request goroutines queue
	// instead of oversubscribing the CPU.
	signSem chan struct{}

	// deviceLocks serializes signing per device id.
	deviceLocks sync.Map
}

// New returns an uninitialized authority; call Initialize before use.
func New(cfg Config) (*Authority, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authority{
		cfg:     cfg,
		signSem: make(chan struct{}, runtime.NumCPU()),
	}, nil
}

// Initialize loads the root CA from disk, generating and persisting a fresh
// one on first startup.
func (a *Authority) Initialize(ctx context.Context) error {
	certPath := filepath.Join(a.cfg.StoragePath, defaults.RootCACertFile)
	keyPath := filepath.Join(a.cfg.StoragePath, defaults.RootCAKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return trace.Wrap(a.loadRoot(certPEM, keyPEM))
	case os.IsNotExist(certErr) && os.IsNotExist(keyErr):
		return trace.Wrap(a.generateRoot(ctx, certPath, keyPath))
	default:
		return trace.NewAggregate(certErr, keyErr)
	}
}

func (a *Authority) loadRoot(certPEM, keyPEM []byte) error {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return trace.BadParameter("root CA key is not PEM encoded")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return trace.BadParameter("parsing root CA key: %v", err)
	}
	a.rootCert = cert
	a.rootKey = key
	a.rootPEM = certPEM
	a.rootSerial = cert.SerialNumber.Text(16)
	a.cfg.Log.Info("loaded root CA", "subject", cert.Subject.CommonName,
		"expires", cert.NotAfter)
	return nil
}

func (a *Authority) generateRoot(ctx context.Context, certPath, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return trace.Wrap(err)
	}
	serial, err := randomSerial()
	if err != nil {
		return trace.Wrap(err)
	}

	now := a.cfg.Clock.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               rootCASubject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(a.cfg.RootCAValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return trace.Wrap(err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.MkdirAll(a.cfg.StoragePath, 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	// Write through temp files so a crash mid-write never leaves a
	// half-written root behind.
	if err := writeFileAtomic(certPath, certPEM, 0o644); err != nil {
		return trace.Wrap(err)
	}
	if err := writeFileAtomic(keyPath, keyPEM, 0o600); err != nil {
		return trace.Wrap(err)
	}

	a.rootCert = cert
	a.rootKey = key
	a.rootPEM = certPEM
	a.rootSerial = serial.Text(16)

	a.cfg.Log.Info("generated new root CA", "serial", a.rootSerial,
		"expires", cert.NotAfter)
	if _, err := a.cfg.Audit.LogEvent(ctx, audit.Record{
		Event:  audit.EventRootCAInitialized,
		Serial: a.rootSerial,
		Details: map[string]any{
			"subject":   rootCASubject.CommonName,
			"not_after": cert.NotAfter.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// CACertPEM returns the PEM-encoded root certificate, or nil before
// Initialize.
func (a *Authority) CACertPEM() []byte {
	return a.rootPEM
}

func (a *Authority) deviceLock(deviceID string) *sync.Mutex {
	mu, _ := a.deviceLocks.LoadOrStore(deviceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return serial, nil
}

func parseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, trace.BadParameter("expected PEM-encoded block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("%s", err.Error())
	}
	return cert, nil
}

func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
