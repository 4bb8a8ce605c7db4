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

// Package config loads the control plane configuration from environment
// variables. Every knob has a default; the only hard requirements are the
// two signing secrets and the store endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt/lib/defaults"
)

// Config is the fully resolved process configuration.
type Config struct {
	// HTTP listener.
	HTTPHost string
	HTTPPort int

	// AuthSecret verifies externally issued bearer session tokens.
	AuthSecret string
	// JWTSecret signs provisioning tokens.
	JWTSecret string
	// ProvisioningTokenTTL is the stage-one token lifetime.
	ProvisioningTokenTTL time.Duration

	// PKI policy.
	RootCAValidityYears           int
	DeviceCertValidityDays        int
	CAStoragePath                 string
	CertCNPrefix                  string
	CertCNFormat                  string
	CertRenewalWindowDays         int
	CertGracePeriodDays           int
	AllowOnboardingWithActiveCert bool

	// Rate limits.
	RateLimitWindow         time.Duration
	GlobalRequestsPerMinute int
	RequestsPerIP           int
	ProvisioningPerIP       int
	ProvisioningPerDevice   int
	CSRGlobalPerMinute      int
	CSRPerIP                int
	CSRPerProvisionedDevice int
	CSRPerUnprovisionedIP   int

	// TransparencyLogEnabled toggles the Merkle log.
	TransparencyLogEnabled bool

	// MQTT.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// Stores.
	RedisURL      string
	PostgresURL   string
	ClickHouseURL string
}

// FromEnv resolves the configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPHost:             envString("HTTP_HOST", defaults.HTTPListenHost),
		AuthSecret:           os.Getenv("AUTH_SECRET"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		CAStoragePath:        envString("CA_STORAGE_PATH", defaults.CAStoragePath),
		CertCNPrefix:         envString("CERT_CN_PREFIX", defaults.CertCNPrefix),
		CertCNFormat:         envString("CERT_CN_FORMAT", "legacy"),
		MQTTBroker:           os.Getenv("MQTT_BROKER"),
		MQTTClientID:         os.Getenv("MQTT_CLIENT_ID"),
		MQTTUsername:         os.Getenv("MQTT_USERNAME"),
		MQTTPassword:         os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix:      envString("MQTT_TOPIC_PREFIX", defaults.MQTTTopicPrefix),
		RedisURL:             envString("REDIS_URL", "redis://localhost:6379"),
		PostgresURL:          os.Getenv("POSTGRES_URL"),
		ClickHouseURL:        os.Getenv("CLICKHOUSE_URL"),
	}

	var err error
	if cfg.HTTPPort, err = envInt(firstSet("PORT", "HTTP_PORT"), defaults.HTTPListenPort); err != nil {
		return nil, trace.Wrap(err)
	}
	ttlSeconds, err := envInt("PROVISIONING_TOKEN_TTL", int(defaults.ProvisioningTokenTTL.Seconds()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ProvisioningTokenTTL = time.Duration(ttlSeconds) * time.Second

	if cfg.RootCAValidityYears, err = envInt("ROOT_CA_VALIDITY_YEARS", defaults.RootCAValidityYears); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.DeviceCertValidityDays, err = envInt("DEVICE_CERT_VALIDITY_DAYS", defaults.DeviceCertValidityDays); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.CertRenewalWindowDays, err = envInt("CERT_RENEWAL_WINDOW_DAYS", defaults.CertRenewalWindowDays); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.CertGracePeriodDays, err = envInt("CERT_GRACE_PERIOD_DAYS", defaults.CertGracePeriodDays); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AllowOnboardingWithActiveCert, err = envBool("ALLOW_ONBOARDING_WITH_ACTIVE_CERT", false); err != nil {
		return nil, trace.Wrap(err)
	}

	windowSeconds, err := envInt("RATE_LIMIT_WINDOW", int(defaults.RateLimitWindow.Seconds()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.RateLimitWindow = time.Duration(windowSeconds) * time.Second
	if cfg.GlobalRequestsPerMinute, err = envInt("RATE_LIMIT_GLOBAL_PER_MINUTE", defaults.GlobalRequestsPerMinute); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.RequestsPerIP, err = envInt("RATE_LIMIT_PER_IP", defaults.RequestsPerIP); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ProvisioningPerIP, err = envInt("RATE_LIMIT_PROVISIONING_PER_IP", defaults.ProvisioningPerIP); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ProvisioningPerDevice, err = envInt("RATE_LIMIT_PROVISIONING_PER_DEVICE", defaults.ProvisioningPerDevice); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.CSRGlobalPerMinute, err = envInt("RATE_LIMIT_CSR_GLOBAL_PER_MINUTE", defaults.CSRGlobalPerMinute); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.CSRPerIP, err = envInt("RATE_LIMIT_CSR_PER_IP", defaults.CSRPerIP); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.CSRPerProvisionedDevice, err = envInt("RATE_LIMIT_CSR_PER_PROVISIONED_DEVICE", defaults.CSRPerProvisionedDevice); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.CSRPerUnprovisionedIP, err = envInt("RATE_LIMIT_CSR_PER_UNPROVISIONED_IP", defaults.CSRPerUnprovisionedIP); err != nil {
		return nil, trace.Wrap(err)
	}

	if cfg.TransparencyLogEnabled, err = envBool("TRANSPARENCY_LOG_ENABLED", true); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MQTTPort, err = envInt("MQTT_PORT", defaults.MQTTPort); err != nil {
		return nil, trace.Wrap(err)
	}

	return cfg, trace.Wrap(cfg.CheckAndSetDefaults())
}

// CheckAndSetDefaults validates the resolved configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.AuthSecret == "" {
		return trace.BadParameter("AUTH_SECRET is required")
	}
	if c.JWTSecret == "" {
		return trace.BadParameter("JWT_SECRET is required")
	}
	if c.CertCNFormat != "legacy" && c.CertCNFormat != "structured" {
		return trace.BadParameter("CERT_CN_FORMAT must be legacy or structured, got %q", c.CertCNFormat)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return trace.BadParameter("invalid HTTP port %d", c.HTTPPort)
	}
	return nil
}

// ListenAddr is the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

func envString(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, trace.BadParameter("%s must be an integer, got %q", name, value)
	}
	return parsed, nil
}

func envBool(name string, fallback bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, trace.BadParameter("%s must be a boolean, got %q", name, value)
	}
	return parsed, nil
}

// firstSet returns the name of the first environment variable that is set,
// defaulting to the first name.
func firstSet(names ...string) string {
	for _, name := range names {
		if os.Getenv(name) != "" {
			return name
		}
	}
	return names[0]
}
