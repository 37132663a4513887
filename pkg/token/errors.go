// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import "fmt"

// OAuth error codes (RFC 6749 section 5.2, RFC 8628 section 3.5).
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeAccessDenied         = "access_denied"
	CodeExpiredToken         = "expired_token"
	CodeServerError          = "server_error"
)

// Error is an OAuth token endpoint error. The Code goes on the wire as
// "error", the Description as "error_description".
type Error struct {
	Code        string
	Description string
	cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Unwrap exposes the underlying cause for errors.Is chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// StatusCode returns the HTTP status the error is served with.
func (e *Error) StatusCode() int {
	switch e.Code {
	case CodeInvalidClient:
		return 401
	case CodeServerError:
		return 500
	default:
		return 400
	}
}

// E creates an Error.
func E(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Ef creates an Error with a formatted description.
func Ef(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// WrapErr creates an Error carrying a cause.
func WrapErr(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, cause: cause}
}
