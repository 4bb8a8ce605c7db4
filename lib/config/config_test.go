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

package config

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_SECRET", "auth-secret")
	t.Setenv("JWT_SECRET", "jwt-secret")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8443", cfg.ListenAddr())
	require.Equal(t, 300*time.Second, cfg.ProvisioningTokenTTL)
	require.Equal(t, "PROOF", cfg.CertCNPrefix)
	require.Equal(t, "legacy", cfg.CertCNFormat)
	require.Equal(t, 90, cfg.DeviceCertValidityDays)
	require.Equal(t, 3, cfg.CSRPerUnprovisionedIP)
	require.True(t, cfg.TransparencyLogEnabled)
	require.Equal(t, "statsnapp", cfg.MQTTTopicPrefix)
	require.Equal(t, 8883, cfg.MQTTPort)
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9000")
	t.Setenv("PROVISIONING_TOKEN_TTL", "120")
	t.Setenv("CERT_CN_FORMAT", "structured")
	t.Setenv("ALLOW_ONBOARDING_WITH_ACTIVE_CERT", "true")
	t.Setenv("RATE_LIMIT_CSR_PER_IP", "50")
	t.Setenv("TRANSPARENCY_LOG_ENABLED", "false")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.HTTPPort)
	require.Equal(t, 120*time.Second, cfg.ProvisioningTokenTTL)
	require.Equal(t, "structured", cfg.CertCNFormat)
	require.True(t, cfg.AllowOnboardingWithActiveCert)
	require.Equal(t, 50, cfg.CSRPerIP)
	require.False(t, cfg.TransparencyLogEnabled)
}

func TestFromEnvValidation(t *testing.T) {
	t.Run("missing secrets", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "")
		t.Setenv("JWT_SECRET", "")
		_, err := FromEnv()
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("bad CN format", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CERT_CN_FORMAT", "fancy")
		_, err := FromEnv()
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("non-numeric cap", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RATE_LIMIT_PER_IP", "many")
		_, err := FromEnv()
		require.True(t, trace.IsBadParameter(err))
	})
}
