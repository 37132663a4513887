// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T) *Ring {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	data, err := newSigningKeyData(key)
	require.NoError(t, err)
	provider, err := NewStaticProvider(data)
	require.NoError(t, err)
	return New(provider, Policy{Production: true})
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t)
	ctx := context.Background()

	now := time.Now()
	signed, err := ring.Sign(ctx, map[string]any{
		"iss": "https://idp.example",
		"sub": "user-1",
		"aud": "client-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	claims, err := ring.Verify(ctx, signed, "https://idp.example", "client-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])

	_, err = ring.Verify(ctx, signed, "https://other.example", "client-1", nil)
	assert.Error(t, err, "issuer mismatch must fail")

	_, err = ring.Verify(ctx, signed, "https://idp.example", "other-client", nil)
	assert.Error(t, err, "audience mismatch must fail")
}

func TestVerifyRejectsDisallowedAlgorithm(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t)
	ctx := context.Background()

	signed, err := ring.Sign(ctx, map[string]any{
		"iss": "i", "sub": "s", "exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = ring.Verify(ctx, signed, "", "", []string{"ES256"})
	assert.Error(t, err)
}

func TestPolicyCheckAlg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  Policy
		alg     string
		allowed []string
		wantErr error
	}{
		{"none rejected in production", Policy{Production: true, AllowNoneAlgorithm: true}, "none", nil, ErrAlgNone},
		{"none rejected without opt-in", Policy{}, "none", nil, ErrAlgNone},
		{"none allowed in dev with opt-in", Policy{AllowNoneAlgorithm: true}, "none", nil, nil},
		{"alg outside allowlist", Policy{}, "RS256", DIDLoginAlgorithms, ErrAlgNotAllowed},
		{"alg inside allowlist", Policy{}, "ES256", DIDLoginAlgorithms, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.policy.CheckAlg(tt.alg, tt.allowed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPublicJWKSContainsActiveKey(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t)
	ctx := context.Background()

	set, err := ring.PublicJWKS(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	kid, err := ring.ActiveKeyID(ctx)
	require.NoError(t, err)
	_, found := set.LookupKeyID(kid)
	assert.True(t, found)

	// The set must serialize to a valid JWKS document.
	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"keys"`)
	assert.NotContains(t, string(data), `"d"`, "JWKS must not leak private material")
}

func TestVerifyPKCEBoundaries(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	challenge := ComputePKCEChallenge(verifier)

	require.NoError(t, VerifyPKCE(challenge, PKCEMethodS256, verifier))
	assert.ErrorIs(t, VerifyPKCE(challenge, PKCEMethodS256, "wrong-verifier-wrong-verifier-wrong-verifier"), ErrPKCEMismatch)

	// RFC 7636 spec test vector.
	require.NoError(t, VerifyPKCE(
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		PKCEMethodS256,
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
	))

	// Length boundaries: 42 invalid, 43 valid, 128 valid, 129 invalid.
	v42 := strings.Repeat("a", 42)
	v43 := strings.Repeat("a", 43)
	v128 := strings.Repeat("a", 128)
	v129 := strings.Repeat("a", 129)
	assert.ErrorIs(t, VerifyPKCE(ComputePKCEChallenge(v42), PKCEMethodS256, v42), ErrPKCEVerifierLength)
	assert.NoError(t, VerifyPKCE(ComputePKCEChallenge(v43), PKCEMethodS256, v43))
	assert.NoError(t, VerifyPKCE(ComputePKCEChallenge(v128), PKCEMethodS256, v128))
	assert.ErrorIs(t, VerifyPKCE(ComputePKCEChallenge(v129), PKCEMethodS256, v129), ErrPKCEVerifierLength)

	// plain method compares the raw verifier.
	assert.NoError(t, VerifyPKCE(v43, PKCEMethodPlain, v43))
	assert.ErrorIs(t, VerifyPKCE(v43, PKCEMethodPlain, v128), ErrPKCEMismatch)
	assert.ErrorIs(t, VerifyPKCE(v43, "S512", v43), ErrPKCEMethodUnknown)
}

func TestHalfHashes(t *testing.T) {
	t.Parallel()

	ch, err := CHash("some-code", "RS256")
	require.NoError(t, err)
	// SHA-256 left half is 16 bytes, 22 base64url chars unpadded.
	assert.Len(t, ch, 22)

	ah384, err := ATHash("token", "ES384")
	require.NoError(t, err)
	assert.Len(t, ah384, 32)

	_, err = CHash("x", "XX999")
	assert.Error(t, err)
}

// memJTIStore is an in-memory JTIStore for tests.
type memJTIStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (s *memJTIStore) CheckAndStore(_ context.Context, jkt, jti string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := jkt + "|" + jti
	if s.seen[key] {
		return ErrDPoPReplay
	}
	s.seen[key] = true
	return nil
}

func signDPoPProof(t *testing.T, key *ecdsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	pub, err := jwk.Import(key.Public())
	require.NoError(t, err)
	var pubJSON map[string]any
	raw, err := json.Marshal(pub)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &pubJSON))

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = DPoPHeaderType
	token.Header["jwk"] = pubJSON
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestDPoPProofRoundTripAndReplay(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	store := &memJTIStore{}
	verifier := NewDPoPVerifier(store, 0)
	ctx := context.Background()

	proof := signDPoPProof(t, key, jwt.MapClaims{
		"htm": "POST",
		"htu": "https://idp.example/token",
		"iat": time.Now().Unix(),
		"jti": "jti-1",
	})

	jkt, err := verifier.Verify(ctx, proof, "POST", "https://idp.example/token?foo=bar", "")
	require.NoError(t, err, "htu comparison ignores the query string")
	assert.NotEmpty(t, jkt)

	// Same proof, same jti: replay.
	_, err = verifier.Verify(ctx, proof, "POST", "https://idp.example/token", "")
	assert.ErrorIs(t, err, ErrDPoPReplay)
}

func TestDPoPProofRejections(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	verifier := NewDPoPVerifier(&memJTIStore{}, 0)
	ctx := context.Background()

	base := func(jti string) jwt.MapClaims {
		return jwt.MapClaims{
			"htm": "POST",
			"htu": "https://idp.example/token",
			"iat": time.Now().Unix(),
			"jti": jti,
		}
	}

	t.Run("wrong method", func(t *testing.T) {
		t.Parallel()
		proof := signDPoPProof(t, key, base("j1"))
		_, err := verifier.Verify(ctx, proof, "GET", "https://idp.example/token", "")
		assert.ErrorIs(t, err, ErrDPoPInvalid)
	})

	t.Run("wrong url", func(t *testing.T) {
		t.Parallel()
		proof := signDPoPProof(t, key, base("j2"))
		_, err := verifier.Verify(ctx, proof, "POST", "https://idp.example/other", "")
		assert.ErrorIs(t, err, ErrDPoPInvalid)
	})

	t.Run("stale iat", func(t *testing.T) {
		t.Parallel()
		claims := base("j3")
		claims["iat"] = time.Now().Add(-time.Hour).Unix()
		proof := signDPoPProof(t, key, claims)
		_, err := verifier.Verify(ctx, proof, "POST", "https://idp.example/token", "")
		assert.ErrorIs(t, err, ErrDPoPInvalid)
	})

	t.Run("ath mismatch", func(t *testing.T) {
		t.Parallel()
		claims := base("j4")
		claims["ath"] = hashAccessToken("other-token")
		proof := signDPoPProof(t, key, claims)
		_, err := verifier.Verify(ctx, proof, "POST", "https://idp.example/token", "bound-token")
		assert.ErrorIs(t, err, ErrDPoPInvalid)
	})

	t.Run("ath match", func(t *testing.T) {
		t.Parallel()
		claims := base("j5")
		claims["ath"] = hashAccessToken("bound-token")
		proof := signDPoPProof(t, key, claims)
		_, err := verifier.Verify(ctx, proof, "POST", "https://idp.example/token", "bound-token")
		assert.NoError(t, err)
	})

	t.Run("missing typ", func(t *testing.T) {
		t.Parallel()
		token := jwt.NewWithClaims(jwt.SigningMethodES256, base("j6"))
		signed, err := token.SignedString(key)
		require.NoError(t, err)
		_, err = verifier.Verify(ctx, signed, "POST", "https://idp.example/token", "")
		assert.ErrorIs(t, err, ErrDPoPInvalid)
	})
}

func TestFingerprintJWKIsStable(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	a, err := FingerprintPublicKey(key.Public())
	require.NoError(t, err)
	b, err := FingerprintPublicKey(key.Public())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}
