// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Algorithm policy errors.
var (
	// ErrAlgNone is returned when alg=none is presented and not permitted.
	ErrAlgNone = errors.New("keyring: alg none is not allowed")

	// ErrAlgNotAllowed is returned for algorithms outside the allowed set.
	ErrAlgNotAllowed = errors.New("keyring: algorithm not allowed")
)

// DIDLoginAlgorithms is the allowed signature algorithm set for DID-based
// login assertions.
var DIDLoginAlgorithms = []string{"ES256", "ES384", "ES512", "EdDSA"}

// Policy controls which JOSE algorithms the ring accepts.
type Policy struct {
	// Production rejects alg=none unconditionally.
	Production bool

	// AllowNoneAlgorithm permits alg=none in non-production environments
	// only. Has no effect when Production is true.
	AllowNoneAlgorithm bool
}

// CheckAlg validates an algorithm against the policy and an optional
// allowlist. An empty allowlist permits any non-none algorithm.
func (p Policy) CheckAlg(alg string, allowed []string) error {
	if strings.EqualFold(alg, "none") {
		if p.Production || !p.AllowNoneAlgorithm {
			return ErrAlgNone
		}
		return nil
	}
	if len(allowed) > 0 && !slices.Contains(allowed, alg) {
		return fmt.Errorf("%w: %s", ErrAlgNotAllowed, alg)
	}
	return nil
}

// Ring exposes the high-level signing and verification operations over a key
// provider. It is the only component that touches private keys.
type Ring struct {
	provider KeyProvider
	policy   Policy
}

// New creates a Ring over the given provider.
func New(provider KeyProvider, policy Policy) *Ring {
	return &Ring{provider: provider, policy: policy}
}

// Policy returns the ring's algorithm policy.
func (r *Ring) Policy() Policy {
	return r.policy
}

// ActiveKeyID returns the key ID of the active signing key.
func (r *Ring) ActiveKeyID(ctx context.Context) (string, error) {
	key, err := r.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	return key.KeyID, nil
}

// SigningAlgorithm returns the JWS algorithm of the active signing key.
func (r *Ring) SigningAlgorithm(ctx context.Context) (string, error) {
	key, err := r.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	return key.Algorithm, nil
}

// Sign produces a compact JWS over the claims using the active signing key.
// The kid header is set so verifiers can select the right public key.
func (r *Ring) Sign(ctx context.Context, claims map[string]any) (string, error) {
	key, err := r.provider.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get signing key: %w", err)
	}

	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %q", key.Algorithm)
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a compact JWS against the ring's published
// keys, checking issuer and audience when given. allowedAlgs restricts the
// accepted signature algorithms; empty means any published key algorithm.
func (r *Ring) Verify(ctx context.Context, compact, expectedIss, expectedAud string, allowedAlgs []string) (jwt.MapClaims, error) {
	pubKeys, err := r.provider.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}

	validAlgs := allowedAlgs
	if len(validAlgs) == 0 {
		for _, key := range pubKeys {
			if !slices.Contains(validAlgs, key.Algorithm) {
				validAlgs = append(validAlgs, key.Algorithm)
			}
		}
	}

	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		for _, key := range pubKeys {
			if kid == "" || key.KeyID == kid {
				return key.PublicKey, nil
			}
		}
		return nil, fmt.Errorf("key ID %q not found in key ring", kid)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(validAlgs),
		jwt.WithExpirationRequired(),
	}
	if expectedIss != "" {
		opts = append(opts, jwt.WithIssuer(expectedIss))
	}
	if expectedAud != "" {
		opts = append(opts, jwt.WithAudience(expectedAud))
	}

	token, err := jwt.Parse(compact, keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

// PublicJWKS returns the published key set for the discovery endpoint.
func (r *Ring) PublicJWKS(ctx context.Context) (jwk.Set, error) {
	pubKeys, err := r.provider.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}

	set := jwk.NewSet()
	for _, pub := range pubKeys {
		key, err := jwk.Import(pub.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to import public key %s: %w", pub.KeyID, err)
		}
		if err := key.Set(jwk.KeyIDKey, pub.KeyID); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, pub.Algorithm); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add key %s to set: %w", pub.KeyID, err)
		}
	}
	return set, nil
}
