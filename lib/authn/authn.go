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

// Package authn verifies externally issued bearer session tokens. The
// control plane never mints these; it only checks the shared-secret HMAC
// signature and extracts the user identity.
package authn

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/statsnapp/statsmqtt"
)

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	// UserID is the 24-hex directory identifier.
	UserID string
	// Email is carried when the issuer included it.
	Email string
}

// Verifier checks bearer session tokens signed HMAC-SHA256 with a shared
// secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier over the shared auth secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, trace.BadParameter("missing auth secret")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeAuthTokenMissing,
			"authorization header is required")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || token == header {
		return "", statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeAuthTokenMissing,
			"authorization header must carry a bearer token")
	}
	return token, nil
}

// Verify checks the token signature and expiry and extracts the identity.
// Issuers disagree on the user id claim name, so sub, userId, id and
// user_id are all accepted.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeAuthTokenInvalid,
			"auth token is invalid or expired")
	}

	userID := firstStringClaim(claims, "sub", "userId", "id", "user_id")
	if !validUserID(userID) {
		return nil, statsmqtt.NewError(http.StatusUnauthorized, statsmqtt.CodeAuthTokenInvalid,
			"auth token does not carry a valid user identifier")
	}

	identity := &Identity{UserID: userID}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}

func firstStringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if value, ok := claims[name].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// validUserID checks the directory's 24-hex identifier shape.
func validUserID(id string) bool {
	if len(id) != 24 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
