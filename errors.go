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

package statsmqtt

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code carried on the wire. Device
// firmware switches on these, so codes are append-only and never renamed.
type Code string

const (
	CodeAuthTokenMissing          Code = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid          Code = "AUTH_TOKEN_INVALID"
	CodeUserNotFound              Code = "USER_NOT_FOUND"
	CodeDeviceNotFound            Code = "DEVICE_NOT_FOUND"
	CodeDeviceNotAssociated       Code = "DEVICE_NOT_ASSOCIATED"
	CodeDeviceIDRequired          Code = "DEVICE_ID_REQUIRED"
	CodeDeviceHasActiveCert       Code = "DEVICE_HAS_ACTIVE_CERTIFICATE"
	CodeTokenMissing              Code = "TOKEN_MISSING"
	CodeTokenExpired              Code = "TOKEN_EXPIRED"
	CodeTokenAlreadyUsed          Code = "TOKEN_ALREADY_USED"
	CodeTokenNotFound             Code = "TOKEN_NOT_FOUND"
	CodeTokenInvalidSignature     Code = "TOKEN_INVALID_SIGNATURE"
	CodeTokenInvalidFormat        Code = "TOKEN_INVALID_FORMAT"
	CodeTokenInvalidType          Code = "TOKEN_INVALID_TYPE"
	CodeTokenDeviceMismatch       Code = "TOKEN_DEVICE_MISMATCH"
	CodeTokenUserMissing          Code = "TOKEN_USER_MISSING"
	CodeTokenInvalid              Code = "TOKEN_INVALID"
	CodeInvalidCSR                Code = "INVALID_CSR"
	CodeInvalidCSRDeviceID        Code = "INVALID_CSR_DEVICE_ID"
	CodeUnsupportedCSRKeyType     Code = "UNSUPPORTED_CSR_KEY_TYPE"
	CodeRootCANotInitialized      Code = "ROOT_CA_NOT_INITIALIZED"
	CodeDatabaseUnavailable       Code = "DATABASE_UNAVAILABLE"
	CodeRateLimitExceeded         Code = "RATE_LIMIT_EXCEEDED"
	CodeAuditChainTampered        Code = "AUDIT_CHAIN_TAMPERED"
	CodeCertificateNotFound       Code = "CERTIFICATE_NOT_FOUND"
	CodeInternal                  Code = "INTERNAL_ERROR"
)

// Error is the closed error variant used across the control plane. Every
// failure a handler can map to a stable HTTP status is expressed as one of
// these; anything else surfaces as CodeInternal.
type Error struct {
	// Code is the stable wire code.
	Code Code
	// Status is the HTTP status the web layer responds with.
	Status int
	// Message is written for the device firmware or operator and may carry
	// an actionable hint.
	Message string
	// Details carries structured extras merged into the error envelope,
	// e.g. the still-live provisioning token on an idempotent re-issue.
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the given status and code.
func NewError(status int, code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy of the error carrying extra envelope fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	out := *e
	out.Details = details
	return &out
}

// AsError unwraps err looking for a control-plane Error.
func AsError(err error) (*Error, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code Code) bool {
	coded, ok := AsError(err)
	return ok && coded.Code == code
}

// Convenience constructors for the kinds raised from more than one place.

func ErrDatabaseUnavailable(err error) *Error {
	return NewError(http.StatusServiceUnavailable, CodeDatabaseUnavailable,
		"backing store is unavailable, retry shortly: %v", err)
}

func ErrInvalidCSR(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidCSR, format, args...)
}

func ErrUnsupportedCSRKeyType() *Error {
	return NewError(http.StatusBadRequest, CodeUnsupportedCSRKeyType,
		"CSR public key must be RSA. Generate an RSA 2048 key and retry")
}
