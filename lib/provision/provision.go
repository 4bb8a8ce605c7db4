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

// Package provision issues, validates, and revokes the short-lived
// provisioning tokens that bridge stage 1 (onboarding) and stage 2
// (sign-csr) of device enrollment.
//
// A token is an HMAC-SHA256 JWT bound to (device, user) and mirrored in the
// token store; presence in the store is authoritative for "not yet
// consumed". A token that verifies as a JWT but is absent from the store
// was either consumed by an earlier sign-csr or lost to a store restart.
package provision

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/statsnapp/statsmqtt"
	"github.com/statsnapp/statsmqtt/lib/audit"
	"github.com/statsnapp/statsmqtt/lib/defaults"
	"github.com/statsnapp/statsmqtt/lib/tokenstore"
)

// tokenType is the JWT type claim every provisioning token carries.
const tokenType = "provisioning"

// AuditSink receives token lifecycle events.
type AuditSink interface {
	LogEvent(ctx context.Context, rec audit.Record) (*audit.Entry, error)
}

// Config holds provisioning service configuration.
type Config struct {
	// Secret signs provisioning tokens. Required.
	Secret string
	// Store mirrors live tokens. Required.
	Store *tokenstore.Store
	// Audit receives token lifecycle events. Required.
	Audit AuditSink
	// TokenTTL is the token lifetime.
	TokenTTL time.Duration
	// Clock drives iat and exp claims.
	Clock clockwork.Clock
	// Log is the subsystem logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Secret == "" {
		return trace.BadParameter("missing parameter Secret")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Audit == nil {
		return trace.BadParameter("missing parameter Audit")
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = defaults.ProvisioningTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(statsmqtt.Component, statsmqtt.ComponentProvision)
	}
	return nil
}

// Service issues and validates provisioning tokens.
type Service struct {
	cfg Config
}

// New returns a provisioning service.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// IssuedToken is the outcome of IssueToken.
type IssuedToken struct {
	Token     string
	DeviceID  string
	ExpiresIn int
	// Reused is true when a still-live token was returned instead of a
	// fresh one.
	Reused bool
}

// IssueToken mints a provisioning token for (device, user). If a live token
// for the device already exists, that token is returned as-is with its
// remaining lifetime so a retrying client can continue where it left off.
func (s *Service) IssueToken(ctx context.Context, deviceID, userID string) (*IssuedToken, error) {
	if deviceID == "" {
		return nil, statsmqtt.NewError(http.StatusBadRequest, statsmqtt.CodeDeviceIDRequired, "device_id is required")
	}

	now := s.cfg.Clock.Now()
	if existing, err := s.cfg.Store.GetTokenByDevice(ctx, deviceID); err == nil {
		if claims, perr := s.parseClaims(existing); perr == nil {
			if exp, eerr := claims.GetExpirationTime(); eerr == nil && exp.After(now) {
				return &IssuedToken{
					Token:     existing,
					DeviceID:  deviceID,
					ExpiresIn: int(exp.Sub(now).Seconds()),
					Reused:    true,
				}, nil
			}
		}
		// Live store entry with an unusable JWT: replace it.
		if err := s.cfg.Store.DeleteToken(ctx, existing); err != nil {
			return nil, trace.Wrap(err)
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	expiresAt := now.Add(s.cfg.TokenTTL)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"device_id": deviceID,
		"user_id":   userID,
		"type":      tokenType,
		"iat":       now.Unix(),
		"exp":       expiresAt.Unix(),
	}).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// The store TTL never exceeds the signed exp, so a token present in
	// the store is always still verifiable.
	if err := s.cfg.Store.Set(ctx, token, tokenstore.Entry{
		DeviceID:  deviceID,
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
	}, s.cfg.TokenTTL); err != nil {
		return nil, trace.Wrap(err)
	}

	if _, err := s.cfg.Audit.LogEvent(ctx, audit.Record{
		Event:    audit.EventProvisioningTokenIssued,
		DeviceID: deviceID,
		UserID:   userID,
		Details:  map[string]any{"expires_in": int(s.cfg.TokenTTL.Seconds())},
	}); err != nil {
		s.cfg.Log.WarnContext(ctx, "failed to audit token issuance", "error", err)
	}

	return &IssuedToken{
		Token:     token,
		DeviceID:  deviceID,
		ExpiresIn: int(s.cfg.TokenTTL.Seconds()),
	}, nil
}

// Validation is the outcome of ValidateToken.
type Validation struct {
	DeviceID string
	UserID   string
}

// ValidateToken checks a provisioning token: JWT signature and expiry first,
// then the type claim, then the authoritative store lookup. Each failure
// maps to a distinct stable code so device firmware can distinguish "expired,
// re-onboard" from "already used, wait for your certificate".
func (s *Service) ValidateToken(ctx context.Context, token string) (*Validation, error) {
	if token == "" {
		return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenMissing, "provisioning token is required")
	}

	claims, err := s.parseClaims(token)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenExpired,
				"provisioning token has expired. Request a new one via onboarding")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenInvalidSignature,
				"provisioning token signature is invalid")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenInvalidFormat,
				"provisioning token is not a well-formed JWT")
		default:
			return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenInvalid,
				"provisioning token is invalid")
		}
	}

	if kind, _ := claims["type"].(string); kind != tokenType {
		return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenInvalidType,
			"token is not a provisioning token")
	}
	deviceID, _ := claims["device_id"].(string)
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenUserMissing,
			"provisioning token carries no user")
	}

	entry, err := s.cfg.Store.GetDeviceByToken(ctx, token)
	if err != nil {
		if trace.IsNotFound(err) {
			// JWT-valid but absent from the store: consumed by an earlier
			// sign-csr, or the store restarted.
			return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenNotFound,
				"provisioning token was already used or is no longer active. Request a new one via onboarding")
		}
		return nil, trace.Wrap(err)
	}
	if deviceID == "" || entry.DeviceID != deviceID {
		return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeTokenDeviceMismatch,
			"provisioning token is bound to a different device")
	}

	return &Validation{DeviceID: deviceID, UserID: userID}, nil
}

// RevokeToken idempotently deletes both store keys for a token.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return trace.BadParameter("missing token")
	}
	entry, err := s.cfg.Store.GetDeviceByToken(ctx, token)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if err := s.cfg.Store.DeleteToken(ctx, token); err != nil {
		return trace.Wrap(err)
	}
	if entry != nil {
		if _, err := s.cfg.Audit.LogEvent(ctx, audit.Record{
			Event:    audit.EventProvisioningTokenRevoked,
			DeviceID: entry.DeviceID,
			UserID:   entry.UserID,
		}); err != nil {
			s.cfg.Log.WarnContext(ctx, "failed to audit token revocation", "error", err)
		}
	}
	return nil
}

// PeekDeviceID extracts device_id without verifying the signature, for
// rate-limit tier selection only. Never use the result for authorization.
func PeekDeviceID(token string) string {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	deviceID, _ := claims["device_id"].(string)
	return deviceID
}

func (s *Service) parseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return s.cfg.Clock.Now() }))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return claims, nil
}
