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

// Package defaults contains default constants set in various parts of
// the statsmqtt codebase.
package defaults

import "time"

const (
	// HTTPListenPort is the port the provisioning API binds to.
	HTTPListenPort = 8443

	// HTTPListenHost is the interface the provisioning API binds to.
	HTTPListenHost = "0.0.0.0"

	// HTTPReadTimeout bounds reading a full request including body.
	HTTPReadTimeout = 30 * time.Second

	// HTTPWriteTimeout bounds writing a full response. CSR signing is
	// CPU-bound so this leaves room for a signing round trip.
	HTTPWriteTimeout = 60 * time.Second

	// HTTPIdleTimeout is the keep-alive idle timeout.
	HTTPIdleTimeout = 30 * time.Second

	// ProvisioningTokenTTL is the lifetime of a stage-one provisioning
	// token. Long enough for a device to generate an RSA keypair and CSR.
	ProvisioningTokenTTL = 300 * time.Second

	// RootCAValidityYears is the validity of a freshly generated root CA.
	RootCAValidityYears = 10

	// DeviceCertValidityDays is the validity of issued device certificates.
	DeviceCertValidityDays = 90

	// CertRenewalWindowDays is the pre-expiry window in which a lookup is
	// annotated renewal_window.
	CertRenewalWindowDays = 14

	// CertGracePeriodDays is the post-expiry window in which a certificate
	// is still accepted with a warning.
	CertGracePeriodDays = 7

	// CertCNPrefix is the prefix of every issued common name.
	CertCNPrefix = "PROOF"

	// MinCSRKeyBits is the minimum accepted RSA modulus size in a CSR.
	MinCSRKeyBits = 2048

	// CAStoragePath is where root CA material and the audit fallback file
	// live when CA_STORAGE_PATH is unset.
	CAStoragePath = "/var/lib/statsmqtt/ca"

	// RootCACertFile is the root CA certificate file name under the CA dir.
	RootCACertFile = "root-ca.crt"

	// RootCAKeyFile is the root CA private key file name under the CA dir.
	RootCAKeyFile = "root-ca.key"

	// AuditFallbackFile is the newline-JSON fallback journal under the CA
	// dir, written when the time-series store rejects an audit append.
	AuditFallbackFile = "audit.log"
)

// Rate limiter caps and windows, one per counter of the three middlewares.
const (
	// RateLimitWindow is the shared sliding window for the 15-minute tiers.
	RateLimitWindow = 15 * time.Minute

	// GlobalRequestsPerMinute caps all requests across the process.
	GlobalRequestsPerMinute = 1000

	// RequestsPerIP caps requests from one address per window.
	RequestsPerIP = 200

	// ProvisioningPerIP caps onboarding calls from one address per window.
	ProvisioningPerIP = 30

	// ProvisioningPerDevice caps onboarding calls for one device per window.
	ProvisioningPerDevice = 15

	// CSRGlobalPerMinute caps sign-csr calls across the process.
	CSRGlobalPerMinute = 100

	// CSRPerIP caps sign-csr calls from one address per window.
	CSRPerIP = 5

	// CSRPerProvisionedDevice caps sign-csr calls for a device that
	// presented a valid provisioning token.
	CSRPerProvisionedDevice = 10

	// CSRPerUnprovisionedIP caps sign-csr calls that carry no resolvable
	// device identity. The tightest tier, it blunts CSR enumeration.
	CSRPerUnprovisionedIP = 3
)

// MQTT liveness constants.
const (
	// MQTTPort is the default broker port (TLS).
	MQTTPort = 8883

	// MQTTTopicPrefix is the default topic namespace.
	MQTTTopicPrefix = "statsnapp"

	// MQTTReconnectMaxAttempts caps the bounded reconnect schedule.
	MQTTReconnectMaxAttempts = 10

	// MQTTReconnectBaseDelay is the initial reconnect backoff.
	MQTTReconnectBaseDelay = 2 * time.Second

	// PubackTimeout is how long a tracked QoS-1 publish waits for its
	// PUBACK before the device is marked inactive.
	PubackTimeout = 30 * time.Second

	// StartupGracePeriod drops all inbound messages right after process
	// start while retained backlog floods in.
	StartupGracePeriod = 3 * time.Second

	// MessageStaleness drops messages whose embedded timestamp is older
	// than this.
	MessageStaleness = 120 * time.Second

	// EchoSuppressionWindow is how long a just-published topic:payload
	// pair suppresses its own echo.
	EchoSuppressionWindow = 2 * time.Second

	// ActiveDeviceTTL is the refresh-on-write TTL of active:{deviceId}
	// cache entries.
	ActiveDeviceTTL = 24 * time.Hour
)

// Store timeouts.
const (
	// RedisDialTimeout bounds establishing a Redis connection.
	RedisDialTimeout = 5 * time.Second

	// StoreOpTimeout bounds any single call to an external store when the
	// caller carries no tighter deadline.
	StoreOpTimeout = 10 * time.Second
)
