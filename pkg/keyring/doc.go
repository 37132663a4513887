// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring is the sole owner of private key material. Every other
// component requests high-level operations (sign, verify, decrypt, DPoP
// proof checks, PKCE verification) and never sees a private key.
//
// The ring holds one active signing key; verification accepts any key
// currently published in the JWKS, which is how rotation works: a new key is
// published as a fallback first, then promoted to active.
package keyring
