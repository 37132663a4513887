// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

// halfHash implements the OIDC Core half-hash construction used for c_hash
// and at_hash: hash with the algorithm matching the id_token's signature
// alg, then base64url-encode the left half.
func halfHash(value, alg string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = sha256.New()
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg, "512"), alg == "EdDSA":
		h = sha512.New()
	default:
		return "", fmt.Errorf("no hash defined for algorithm %q", alg)
	}

	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// CHash computes the id_token c_hash claim binding an authorization code to
// the id_token in hybrid flows.
func CHash(code, alg string) (string, error) {
	return halfHash(code, alg)
}

// ATHash computes the id_token at_hash claim binding an access token to the
// id_token.
func ATHash(accessToken, alg string) (string, error) {
	return halfHash(accessToken, alg)
}
