// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// DPoPHeaderType is the required typ header of a DPoP proof JWT (RFC 9449).
const DPoPHeaderType = "dpop+jwt"

// DefaultDPoPSkew is the accepted clock skew for the proof iat claim. The
// jti replay window is twice this value.
const DefaultDPoPSkew = 5 * time.Minute

// dpopAlgorithms is the accepted proof signature algorithm set. Symmetric
// algorithms are excluded: the proof must demonstrate possession of an
// asymmetric key.
var dpopAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// DPoP errors.
var (
	ErrDPoPInvalid = errors.New("keyring: invalid DPoP proof")
	ErrDPoPReplay  = errors.New("keyring: DPoP proof replayed")
)

// JTIStore records DPoP proof jtis per key thumbprint within the skew
// window. Implementations are linearized per jkt by the actor store.
type JTIStore interface {
	// CheckAndStore records (jkt, jti). Returns ErrDPoPReplay if the pair
	// was already seen within the window.
	CheckAndStore(ctx context.Context, jkt, jti string, ttl time.Duration) error
}

// DPoPVerifier validates DPoP proofs (RFC 9449) and produces the key
// thumbprint that sender-constrained tokens are bound to.
type DPoPVerifier struct {
	jtis JTIStore
	skew time.Duration
}

// NewDPoPVerifier creates a verifier over the given jti store. A zero skew
// selects DefaultDPoPSkew.
func NewDPoPVerifier(jtis JTIStore, skew time.Duration) *DPoPVerifier {
	if skew <= 0 {
		skew = DefaultDPoPSkew
	}
	return &DPoPVerifier{jtis: jtis, skew: skew}
}

// Verify checks a DPoP proof for the given request. When accessToken is
// non-empty the proof must carry a matching ath claim. Returns the RFC 7638
// thumbprint (jkt) of the proof key.
func (v *DPoPVerifier) Verify(ctx context.Context, proof, method, requestURL, accessToken string) (string, error) {
	if proof == "" {
		return "", fmt.Errorf("%w: empty proof", ErrDPoPInvalid)
	}

	var proofKey jwk.Key

	keyfunc := func(token *jwt.Token) (any, error) {
		typ, _ := token.Header["typ"].(string)
		if typ != DPoPHeaderType {
			return nil, fmt.Errorf("proof typ must be %s", DPoPHeaderType)
		}

		rawJWK, ok := token.Header["jwk"]
		if !ok {
			return nil, errors.New("proof is missing the jwk header")
		}
		jwkJSON, err := json.Marshal(rawJWK)
		if err != nil {
			return nil, fmt.Errorf("malformed jwk header: %w", err)
		}
		key, err := jwk.ParseKey(jwkJSON)
		if err != nil {
			return nil, fmt.Errorf("malformed jwk header: %w", err)
		}

		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export proof key: %w", err)
		}
		pub, err := publicOnly(raw)
		if err != nil {
			return nil, err
		}

		proofKey = key
		return pub, nil
	}

	token, err := jwt.Parse(proof, keyfunc,
		jwt.WithValidMethods(dpopAlgorithms),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDPoPInvalid, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims type", ErrDPoPInvalid)
	}

	if err := v.checkClaims(claims, method, requestURL, accessToken); err != nil {
		return "", err
	}

	jkt, err := FingerprintJWK(proofKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDPoPInvalid, err)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", fmt.Errorf("%w: missing jti", ErrDPoPInvalid)
	}
	if err := v.jtis.CheckAndStore(ctx, jkt, jti, 2*v.skew); err != nil {
		return "", err
	}

	return jkt, nil
}

func (v *DPoPVerifier) checkClaims(claims jwt.MapClaims, method, requestURL, accessToken string) error {
	htm, _ := claims["htm"].(string)
	if !strings.EqualFold(htm, method) {
		return fmt.Errorf("%w: htm %q does not match request method %q", ErrDPoPInvalid, htm, method)
	}

	htu, _ := claims["htu"].(string)
	if normalizeHTU(htu) != normalizeHTU(requestURL) {
		return fmt.Errorf("%w: htu does not match request URL", ErrDPoPInvalid)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: missing iat", ErrDPoPInvalid)
	}
	now := time.Now()
	if iat.Time.Before(now.Add(-v.skew)) || iat.Time.After(now.Add(v.skew)) {
		return fmt.Errorf("%w: iat outside the accepted clock skew", ErrDPoPInvalid)
	}

	if accessToken != "" {
		ath, _ := claims["ath"].(string)
		expected := hashAccessToken(accessToken)
		if subtle.ConstantTimeCompare([]byte(ath), []byte(expected)) != 1 {
			return fmt.Errorf("%w: ath does not match the presented access token", ErrDPoPInvalid)
		}
	}

	return nil
}

// normalizeHTU canonicalizes the htu claim per RFC 9449: lowercase scheme
// and host, no query or fragment.
func normalizeHTU(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// publicOnly rejects private key material embedded in a proof header and
// returns the corresponding public key.
func publicOnly(raw any) (any, error) {
	switch key := raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return key, nil
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return nil, errors.New("proof jwk header must not contain private key material")
	default:
		return nil, fmt.Errorf("unsupported proof key type %T", raw)
	}
}
