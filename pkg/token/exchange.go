// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"slices"
)

// RFC 8693 token type identifiers.
const (
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"
)

// tokenExchange implements RFC 8693: a verified subject token is exchanged
// for a new access token with equal or narrower scope, optionally carrying
// an act claim from a verified actor token. No refresh token is issued.
func (s *Service) tokenExchange(ctx context.Context, req *Request) (*Response, error) {
	if req.SubjectToken == "" {
		return nil, E(CodeInvalidRequest, "subject_token is required")
	}
	if req.SubjectTokenType != "" && req.SubjectTokenType != TokenTypeAccessToken {
		return nil, Ef(CodeInvalidRequest, "unsupported subject_token_type %q", req.SubjectTokenType)
	}

	subjectRec, err := s.verifyExchangedToken(ctx, req.Tenant, req.SubjectToken)
	if err != nil {
		return nil, err
	}

	actorSub := ""
	if req.ActorToken != "" {
		if req.ActorTokenType != "" && req.ActorTokenType != TokenTypeAccessToken {
			return nil, Ef(CodeInvalidRequest, "unsupported actor_token_type %q", req.ActorTokenType)
		}
		actorRec, err := s.verifyExchangedToken(ctx, req.Tenant, req.ActorToken)
		if err != nil {
			return nil, err
		}
		actorSub = actorRec.Subject
	}

	scopes := subjectRec.Scopes
	if len(req.Scopes) > 0 {
		for _, sc := range req.Scopes {
			if !slices.Contains(subjectRec.Scopes, sc) {
				return nil, Ef(CodeInvalidScope, "scope %q exceeds the subject token", sc)
			}
		}
		scopes = req.Scopes
	}

	jkt, err := s.proofJKT(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := s.issue(ctx, issueParams{
		request:   req,
		subject:   subjectRec.Subject,
		userID:    subjectRec.UserID,
		scopes:    scopes,
		cnfJKT:    jkt,
		sid:       subjectRec.SID,
		accessJTI: NewJTI(),
		audience:  req.Audience,
		actorSub:  actorSub,
	})
	if err != nil {
		return nil, err
	}
	resp.IssuedTokenType = TokenTypeAccessToken
	return resp, nil
}

// verifyExchangedToken checks signature, issuer and liveness of a token
// presented for exchange.
func (s *Service) verifyExchangedToken(ctx context.Context, tenant, tokenValue string) (*Record, error) {
	claims, err := s.deps.Ring.Verify(ctx, tokenValue, s.deps.Issuer, "", nil)
	if err != nil {
		return nil, WrapErr(CodeInvalidGrant, "presented token is not valid", err)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, E(CodeInvalidGrant, "presented token has no jti")
	}

	rec, err := s.deps.Records.Get(ctx, tenant, jti)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, E(CodeInvalidGrant, "presented token is not recognized")
		}
		return nil, WrapErr(CodeServerError, "token lookup failed", err)
	}
	if !rec.Active() {
		return nil, E(CodeInvalidGrant, "presented token is no longer active")
	}
	return rec, nil
}
