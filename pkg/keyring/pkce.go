// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCE challenge methods (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// PKCE errors.
var (
	ErrPKCEVerifierLength = errors.New("keyring: code_verifier must be 43-128 characters")
	ErrPKCEMethodUnknown  = errors.New("keyring: unknown code_challenge_method")
	ErrPKCEMismatch       = errors.New("keyring: code_verifier does not match code_challenge")
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier per
// RFC 7636 Section 4.1 (43 characters of the base64url alphabet).
//
// Delegates to oauth2.GenerateVerifier, which panics on crypto/rand read
// failure (appropriate for this case).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the S256 code_challenge for a verifier:
// BASE64URL(SHA256(code_verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a code_verifier against the challenge captured at
// authorization time. Comparison is constant-time for both methods.
func VerifyPKCE(challenge, method, verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return ErrPKCEVerifierLength
	}

	switch method {
	case PKCEMethodS256:
		computed := ComputePKCEChallenge(verifier)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
		return nil
	case PKCEMethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
		return nil
	default:
		return ErrPKCEMethodUnknown
	}
}
