// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"
	"time"

	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/keyring"
)

// idTokenParams is the per-grant id_token context.
type idTokenParams struct {
	subject string
	sid     string

	nonce    string
	authTime time.Time
	acr      string
	amr      []string

	// accessToken feeds at_hash; code feeds c_hash for hybrid responses.
	accessToken string
	code        string
}

// buildIDToken signs (and, per client registration, encrypts) an id_token.
func (s *Service) buildIDToken(ctx context.Context, c *client.Client, p idTokenParams) (string, error) {
	idTTL, err := s.deps.Config.IDTokenTTL(ctx)
	if err != nil {
		return "", err
	}
	alg, err := s.deps.Ring.SigningAlgorithm(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := map[string]any{
		"iss": s.deps.Issuer,
		"sub": p.subject,
		"aud": c.ID,
		"iat": now.Unix(),
		"exp": now.Add(idTTL).Unix(),
	}
	if p.nonce != "" {
		claims["nonce"] = p.nonce
	}
	if !p.authTime.IsZero() {
		claims["auth_time"] = p.authTime.Unix()
	}
	if p.acr != "" {
		claims["acr"] = p.acr
	}
	if len(p.amr) > 0 {
		claims["amr"] = p.amr
	}
	if p.sid != "" {
		claims["sid"] = p.sid
	}
	if p.accessToken != "" {
		atHash, err := keyring.ATHash(p.accessToken, alg)
		if err != nil {
			return "", err
		}
		claims["at_hash"] = atHash
	}
	if p.code != "" {
		cHash, err := keyring.CHash(p.code, alg)
		if err != nil {
			return "", err
		}
		claims["c_hash"] = cHash
	}

	signed, err := s.deps.Ring.Sign(ctx, claims)
	if err != nil {
		return "", err
	}

	if !c.EncryptsIDTokens() {
		return signed, nil
	}
	if s.deps.Keys == nil {
		return "", fmt.Errorf("client %s requires id_token encryption but no key resolver is configured", c.ID)
	}
	encKey, err := s.deps.Keys.EncryptionJWK(ctx, c)
	if err != nil {
		return "", fmt.Errorf("failed to resolve encryption key for client %s: %w", c.ID, err)
	}
	return keyring.EncryptForClient([]byte(signed),
		encKey, c.IDTokenEncryptedResponseAlg, c.IDTokenEncryptedResponseEnc)
}
