// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

// OAuth authorization error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidRequestURI       = "invalid_request_uri"
	CodeInvalidRequestObject    = "invalid_request_object"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeLoginRequired           = "login_required"
	CodeInteractionRequired     = "interaction_required"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
)

// AuthError is an authorization request failure. When Redirectable is true
// the error goes back to the client's registered redirect_uri with the
// original state; otherwise it must be rendered directly, since the
// redirect target itself is unknown or untrusted.
type AuthError struct {
	Code        string
	Description string

	Redirectable bool
	RedirectURI  string
	ResponseMode string
	State        string

	cause error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Unwrap exposes the cause.
func (e *AuthError) Unwrap() error {
	return e.cause
}

// direct creates a non-redirectable error: the failure concerns the
// client_id or redirect_uri itself.
func direct(code, description string) *AuthError {
	return &AuthError{Code: code, Description: description}
}

// redirectable creates an error that is safe to return to the registered
// redirect_uri.
func (r *Request) redirectable(code, description string) *AuthError {
	return &AuthError{
		Code:         code,
		Description:  description,
		Redirectable: true,
		RedirectURI:  r.RedirectURI,
		ResponseMode: r.ResponseMode,
		State:        r.State,
	}
}
