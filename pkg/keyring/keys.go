// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// MinRSAKeyBits is the minimum accepted RSA key size, per NIST SP 800-57.
const MinRSAKeyBits = 2048

// SigningKeyData is a private key with its derived JOSE parameters.
type SigningKeyData struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// PublicKeyData is the public half of a key for the JWKS endpoint.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

// loadKeyFromFile loads a single private key from a PEM file.
// Supports RSA (PKCS1/PKCS8), ECDSA (SEC1/PKCS8) and Ed25519 keys.
func loadKeyFromFile(keyPath string) (*SigningKeyData, error) {
	data, err := os.ReadFile(keyPath) // #nosec G304 - key paths come from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}

	signer, err := parsePrivateKey(block)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %s: %w", keyPath, err)
	}

	return newSigningKeyData(signer)
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS8 key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// newSigningKeyData derives the key ID (RFC 7638 thumbprint) and the default
// signing algorithm for a private key.
func newSigningKeyData(signer crypto.Signer) (*SigningKeyData, error) {
	alg, err := algorithmForKey(signer)
	if err != nil {
		return nil, err
	}

	kid, err := FingerprintPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKeyData{
		KeyID:     kid,
		Algorithm: alg,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

// algorithmForKey maps a private key to its default JWS algorithm.
func algorithmForKey(signer crypto.Signer) (string, error) {
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		if key.N.BitLen() < MinRSAKeyBits {
			return "", fmt.Errorf("RSA key must be at least %d bits", MinRSAKeyBits)
		}
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch key.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", fmt.Errorf("unsupported ECDSA curve %s", key.Curve.Params().Name)
		}
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("unsupported key type %T", signer)
	}
}

// FingerprintPublicKey computes the RFC 7638 JWK thumbprint (SHA-256,
// base64url) of a public key. This is the "jkt" value used for DPoP binding
// and the default key ID.
func FingerprintPublicKey(pub crypto.PublicKey) (string, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return "", fmt.Errorf("failed to import public key: %w", err)
	}
	return FingerprintJWK(key)
}

// FingerprintJWK computes the RFC 7638 thumbprint of a JWK.
func FingerprintJWK(key jwk.Key) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// hashAccessToken computes the DPoP "ath" value: base64url(sha256(token)).
func hashAccessToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
