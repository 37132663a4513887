// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// ErrJWEDecrypt is returned when an encrypted request object cannot be
// decrypted with any ring key.
var ErrJWEDecrypt = errors.New("keyring: JWE decryption failed")

// ringKeyEncryptionAlgs are the key management algorithms accepted for
// request objects encrypted to the server's published keys.
var ringKeyEncryptionAlgs = []jwa.KeyEncryptionAlgorithm{
	jwa.RSA_OAEP(),
	jwa.RSA_OAEP_256(),
	jwa.ECDH_ES(),
	jwa.ECDH_ES_A128KW(),
	jwa.ECDH_ES_A256KW(),
}

// DecryptJWE decrypts a compact JWE produced against one of the ring's
// published keys and returns the inner payload (typically a nested compact
// JWS).
func (r *Ring) DecryptJWE(ctx context.Context, compact string) (string, error) {
	key, err := r.provider.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get decryption key: %w", err)
	}

	// The sender chose the alg; try the accepted set against our key.
	for _, alg := range ringKeyEncryptionAlgs {
		plaintext, err := jwe.Decrypt([]byte(compact), jwe.WithKey(alg, key.Key))
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", ErrJWEDecrypt
}

// EncryptForClient encrypts a payload (typically a signed id_token or a
// userinfo response) to a client's public key using the client's registered
// alg and enc values.
func EncryptForClient(payload []byte, clientKey jwk.Key, algName, encName string) (string, error) {
	alg, ok := jwa.LookupKeyEncryptionAlgorithm(algName)
	if !ok {
		return "", fmt.Errorf("unknown key encryption algorithm %q", algName)
	}
	enc, ok := jwa.LookupContentEncryptionAlgorithm(encName)
	if !ok {
		return "", fmt.Errorf("unknown content encryption algorithm %q", encName)
	}

	var raw any
	if err := jwk.Export(clientKey, &raw); err != nil {
		return "", fmt.Errorf("failed to export client key: %w", err)
	}

	ciphertext, err := jwe.Encrypt(payload,
		jwe.WithKey(alg, raw),
		jwe.WithContentEncryption(enc),
	)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return string(ciphertext), nil
}
