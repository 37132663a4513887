// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package token implements the token endpoint: grant handling, token
// issuance and the issued-token registry backing introspection and
// revocation.
package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/edgewarden/edgewarden/pkg/authcode"
	"github.com/edgewarden/edgewarden/pkg/ciba"
	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/device"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

// Grant types served by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantCIBA              = "urn:openid:params:grant-type:ciba"
	GrantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// CodeInvalidDPoPProof is the DPoP proof rejection code (RFC 9449).
const CodeInvalidDPoPProof = "invalid_dpop_proof"

// ScopeOpenID triggers id_token issuance; ScopeOfflineAccess requests a
// refresh token.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// Request is a parsed token endpoint request. Client is the already
// authenticated caller.
type Request struct {
	Tenant string
	Client *client.Client

	GrantType string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// Scopes is the requested scope set, already split.
	Scopes []string

	// device_code and ciba grants
	DeviceCode string
	AuthReqID  string

	// token exchange (RFC 8693)
	SubjectToken     string
	SubjectTokenType string
	ActorToken       string
	ActorTokenType   string
	Audience         string

	// DPoP proof header and the request line it must cover.
	DPoPProof  string
	HTTPMethod string
	HTTPURL    string
}

// Response is the token endpoint success payload.
type Response struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Issuer  string
	Ring    *keyring.Ring
	Records *Registry
	Codes   *authcode.Store
	Devices *device.Store
	CIBA    *ciba.Store
	DPoP    *keyring.DPoPVerifier
	Config  *config.Resolver

	// Keys resolves client encryption keys for id_token JWE. Optional;
	// when nil, clients registered for encrypted id_tokens get an error.
	Keys *client.KeyResolver
}

// Service executes token grants.
type Service struct {
	deps Deps
}

// NewService creates a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Issuer == "" || deps.Ring == nil || deps.Records == nil || deps.Config == nil {
		return nil, fmt.Errorf("token: issuer, ring, records and config are required")
	}
	return &Service{deps: deps}, nil
}

// Exchange runs the requested grant and returns the issued tokens.
func (s *Service) Exchange(ctx context.Context, req *Request) (*Response, error) {
	if req.Client == nil {
		return nil, E(CodeInvalidClient, "client authentication required")
	}
	if !req.Client.GrantAllowed(req.GrantType) {
		return nil, Ef(CodeUnauthorizedClient, "client is not authorized for grant %q", req.GrantType)
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.authorizationCode(ctx, req)
	case GrantRefreshToken:
		return s.refreshToken(ctx, req)
	case GrantClientCredentials:
		return s.clientCredentials(ctx, req)
	case GrantDeviceCode:
		return s.deviceCode(ctx, req)
	case GrantCIBA:
		return s.cibaGrant(ctx, req)
	case GrantTokenExchange:
		return s.tokenExchange(ctx, req)
	default:
		return nil, Ef(CodeUnsupportedGrantType, "grant type %q is not supported", req.GrantType)
	}
}

// proofJKT verifies the DPoP proof when present and returns the key
// thumbprint the tokens will be bound to.
func (s *Service) proofJKT(ctx context.Context, req *Request) (string, error) {
	if req.DPoPProof == "" {
		if req.Client.RequireDPoP {
			return "", E(CodeInvalidRequest, "client requires DPoP-bound tokens")
		}
		return "", nil
	}
	if s.deps.DPoP == nil {
		return "", E(CodeInvalidRequest, "DPoP is not enabled")
	}
	jkt, err := s.deps.DPoP.Verify(ctx, req.DPoPProof, req.HTTPMethod, req.HTTPURL, "")
	if err != nil {
		return "", WrapErr(CodeInvalidDPoPProof, "DPoP proof rejected", err)
	}
	return jkt, nil
}

func (s *Service) authorizationCode(ctx context.Context, req *Request) (*Response, error) {
	jkt, err := s.proofJKT(ctx, req)
	if err != nil {
		return nil, err
	}

	// The jtis are registered with the code at consume time, so a later
	// replay can name exactly what to revoke.
	accessJTI := NewJTI()
	refreshJTI := ""
	if req.Client.GrantAllowed(GrantRefreshToken) {
		refreshJTI = NewJTI()
	}

	code, err := s.deps.Codes.Consume(ctx, authcode.ConsumeParams{
		Tenant:          req.Tenant,
		Code:            req.Code,
		ClientID:        req.Client.ID,
		CodeVerifier:    req.CodeVerifier,
		AccessTokenJTI:  accessJTI,
		RefreshTokenJTI: refreshJTI,
	})
	if err != nil {
		var replay *authcode.ReplayError
		if errors.As(err, &replay) {
			s.revokeReplayedTokens(ctx, req.Tenant, replay)
			return nil, E(CodeInvalidGrant, "authorization code already redeemed")
		}
		if errors.Is(err, authcode.ErrInvalidCode) {
			return nil, WrapErr(CodeInvalidGrant, "invalid authorization code", err)
		}
		return nil, WrapErr(CodeServerError, "code lookup failed", err)
	}

	if code.RedirectURI != req.RedirectURI {
		return nil, E(CodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if code.DPoPJKT != "" && code.DPoPJKT != jkt {
		return nil, E(CodeInvalidGrant, "DPoP key does not match the key bound at authorization")
	}

	// c_hash binds the code into the id_token only for hybrid responses.
	hybridCode := ""
	if strings.Contains(code.ResponseType, " ") {
		hybridCode = req.Code
	}

	return s.issue(ctx, issueParams{
		request:    req,
		subject:    code.UserID,
		userID:     code.UserID,
		scopes:     code.Scopes,
		cnfJKT:     jkt,
		sid:        code.SID,
		accessJTI:  accessJTI,
		refreshJTI: refreshJTI,
		idToken: &idTokenParams{
			nonce:    code.Nonce,
			authTime: code.AuthTime,
			acr:      code.ACR,
			amr:      code.AMR,
			code:     hybridCode,
		},
	})
}

// revokeReplayedTokens revokes the tokens issued by the first redemption of
// a replayed code, including the refresh family.
func (s *Service) revokeReplayedTokens(ctx context.Context, tenant string, replay *authcode.ReplayError) {
	if err := s.deps.Records.Revoke(ctx, tenant, replay.AccessTokenJTI); err != nil {
		logger.Errorw("failed to revoke replayed access token", "jti", replay.AccessTokenJTI, "error", err)
	}
	if replay.RefreshTokenJTI == "" {
		return
	}
	if rec, err := s.deps.Records.Get(ctx, tenant, replay.RefreshTokenJTI); err == nil && rec.FamilyID != "" {
		if err := s.deps.Records.RevokeFamily(ctx, tenant, rec.FamilyID); err != nil {
			logger.Errorw("failed to revoke refresh family", "family_id", rec.FamilyID, "error", err)
		}
		return
	}
	if err := s.deps.Records.Revoke(ctx, tenant, replay.RefreshTokenJTI); err != nil {
		logger.Errorw("failed to revoke replayed refresh token", "jti", replay.RefreshTokenJTI, "error", err)
	}
}

func (s *Service) refreshToken(ctx context.Context, req *Request) (*Response, error) {
	if req.RefreshToken == "" {
		return nil, E(CodeInvalidRequest, "refresh_token is required")
	}
	jkt, err := s.proofJKT(ctx, req)
	if err != nil {
		return nil, err
	}

	rec, err := s.deps.Records.ConsumeRefresh(ctx, req.Tenant, req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshReuse):
			return nil, E(CodeInvalidGrant, "refresh token reuse detected")
		case errors.Is(err, ErrRefreshExpired), errors.Is(err, ErrRecordNotFound):
			return nil, E(CodeInvalidGrant, "invalid refresh token")
		default:
			return nil, WrapErr(CodeServerError, "refresh lookup failed", err)
		}
	}

	if rec.ClientID != req.Client.ID {
		return nil, E(CodeInvalidGrant, "refresh token was issued to a different client")
	}
	if rec.CNFJKT != "" && rec.CNFJKT != jkt {
		return nil, E(CodeInvalidGrant, "DPoP key does not match the bound key")
	}

	// Scope narrowing only: the new tokens carry at most the original set.
	scopes := rec.Scopes
	if len(req.Scopes) > 0 {
		for _, sc := range req.Scopes {
			if !slices.Contains(rec.Scopes, sc) {
				return nil, Ef(CodeInvalidScope, "scope %q exceeds the original grant", sc)
			}
		}
		scopes = req.Scopes
	}

	return s.issue(ctx, issueParams{
		request:    req,
		subject:    rec.Subject,
		userID:     rec.UserID,
		scopes:     scopes,
		cnfJKT:     rec.CNFJKT,
		sid:        rec.SID,
		accessJTI:  NewJTI(),
		refreshJTI: NewJTI(),
		familyID:   rec.FamilyID,
		parentJTI:  rec.JTI,
	})
}

func (s *Service) clientCredentials(ctx context.Context, req *Request) (*Response, error) {
	if !req.Client.Confidential() {
		return nil, E(CodeUnauthorizedClient, "public clients cannot use client_credentials")
	}
	jkt, err := s.proofJKT(ctx, req)
	if err != nil {
		return nil, err
	}

	scopes := req.Client.FilterScopes(req.Scopes)
	if len(req.Scopes) > 0 && len(scopes) == 0 {
		return nil, E(CodeInvalidScope, "no requested scope is allowed for this client")
	}

	return s.issue(ctx, issueParams{
		request:   req,
		subject:   req.Client.ID,
		scopes:    scopes,
		cnfJKT:    jkt,
		accessJTI: NewJTI(),
	})
}

func (s *Service) deviceCode(ctx context.Context, req *Request) (*Response, error) {
	if req.DeviceCode == "" {
		return nil, E(CodeInvalidRequest, "device_code is required")
	}
	jkt, err := s.proofJKT(ctx, req)
	if err != nil {
		return nil, err
	}

	grant, err := s.deps.Devices.ClaimToken(ctx, req.Tenant, req.DeviceCode, req.Client.ID)
	if err != nil {
		return nil, mapPollingError(err,
			device.ErrAuthorizationPending, device.ErrSlowDown,
			device.ErrAccessDenied, device.ErrExpiredToken)
	}

	refreshJTI := ""
	if req.Client.GrantAllowed(GrantRefreshToken) {
		refreshJTI = NewJTI()
	}
	params := issueParams{
		request:    req,
		subject:    grant.Subject,
		userID:     grant.UserID,
		scopes:     grant.Scopes,
		cnfJKT:     jkt,
		accessJTI:  NewJTI(),
		refreshJTI: refreshJTI,
	}
	if slices.Contains(grant.Scopes, ScopeOpenID) {
		params.idToken = &idTokenParams{authTime: grant.CreatedAt}
	}
	return s.issue(ctx, params)
}

func (s *Service) cibaGrant(ctx context.Context, req *Request) (*Response, error) {
	if req.AuthReqID == "" {
		return nil, E(CodeInvalidRequest, "auth_req_id is required")
	}
	jkt, err := s.proofJKT(ctx, req)
	if err != nil {
		return nil, err
	}

	cr, err := s.deps.CIBA.ClaimToken(ctx, req.Tenant, req.AuthReqID, req.Client.ID)
	if err != nil {
		return nil, mapPollingError(err,
			ciba.ErrAuthorizationPending, ciba.ErrSlowDown,
			ciba.ErrAccessDenied, ciba.ErrExpiredToken)
	}

	refreshJTI := ""
	if req.Client.GrantAllowed(GrantRefreshToken) {
		refreshJTI = NewJTI()
	}
	params := issueParams{
		request:    req,
		subject:    cr.Subject,
		userID:     cr.UserID,
		scopes:     cr.Scopes,
		cnfJKT:     jkt,
		accessJTI:  NewJTI(),
		refreshJTI: refreshJTI,
	}
	if slices.Contains(cr.Scopes, ScopeOpenID) {
		params.idToken = &idTokenParams{authTime: cr.CreatedAt}
	}
	return s.issue(ctx, params)
}

// mapPollingError translates the shared polling error shape of the device
// and ciba grants into wire codes.
func mapPollingError(err error, pending, slow, denied, expired error) error {
	switch {
	case errors.Is(err, pending):
		return E(CodeAuthorizationPending, "user authorization is pending")
	case errors.Is(err, slow):
		return E(CodeSlowDown, "polling too frequently")
	case errors.Is(err, denied):
		return E(CodeAccessDenied, "user denied the request")
	case errors.Is(err, expired):
		return E(CodeExpiredToken, "the request expired")
	default:
		return WrapErr(CodeInvalidGrant, "invalid grant", err)
	}
}

// issueParams collects everything needed to mint the token set.
type issueParams struct {
	request *Request

	subject string
	userID  string
	scopes  []string
	cnfJKT  string
	sid     string

	accessJTI  string
	refreshJTI string

	// familyID and parentJTI chain rotated refresh tokens; empty familyID
	// starts a new family.
	familyID  string
	parentJTI string

	// idToken, when set and scope includes openid, adds an id_token.
	idToken *idTokenParams

	// audience overrides the access token aud claim.
	audience string

	// actorSub sets the RFC 8693 act claim on exchanged tokens.
	actorSub string
}

func (s *Service) issue(ctx context.Context, p issueParams) (*Response, error) {
	now := time.Now()
	req := p.request
	cfg := s.deps.Config

	accessTTL, err := cfg.AccessTokenTTL(ctx)
	if err != nil {
		return nil, WrapErr(CodeServerError, "configuration unavailable", err)
	}

	aud := p.audience
	if aud == "" {
		aud = req.Client.ID
	}
	claims := map[string]any{
		"iss":       s.deps.Issuer,
		"sub":       p.subject,
		"aud":       aud,
		"client_id": req.Client.ID,
		"tenant":    req.Tenant,
		"iat":       now.Unix(),
		"exp":       now.Add(accessTTL).Unix(),
		"jti":       p.accessJTI,
	}
	if len(p.scopes) > 0 {
		claims["scope"] = strings.Join(p.scopes, " ")
	}
	if p.cnfJKT != "" {
		claims["cnf"] = map[string]any{"jkt": p.cnfJKT}
	}
	if p.sid != "" {
		claims["sid"] = p.sid
	}
	if p.actorSub != "" {
		claims["act"] = map[string]any{"sub": p.actorSub}
	}

	accessToken, err := s.deps.Ring.Sign(ctx, claims)
	if err != nil {
		return nil, WrapErr(CodeServerError, "failed to sign access token", err)
	}
	if err := s.deps.Records.Save(ctx, &Record{
		JTI:       p.accessJTI,
		Kind:      KindAccess,
		Tenant:    req.Tenant,
		ClientID:  req.Client.ID,
		Subject:   p.subject,
		UserID:    p.userID,
		Scopes:    p.scopes,
		CNFJKT:    p.cnfJKT,
		SID:       p.sid,
		IssuedAt:  now,
		ExpiresAt: now.Add(accessTTL),
	}); err != nil {
		return nil, WrapErr(CodeServerError, "failed to record access token", err)
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       strings.Join(p.scopes, " "),
	}
	if p.cnfJKT != "" {
		resp.TokenType = "DPoP"
	}

	if p.refreshJTI != "" {
		refreshTTL, err := cfg.RefreshTokenTTL(ctx)
		if err != nil {
			return nil, WrapErr(CodeServerError, "configuration unavailable", err)
		}
		familyID := p.familyID
		if familyID == "" {
			familyID = NewJTI()
		}
		if err := s.deps.Records.Save(ctx, &Record{
			JTI:       p.refreshJTI,
			Kind:      KindRefresh,
			Tenant:    req.Tenant,
			ClientID:  req.Client.ID,
			Subject:   p.subject,
			UserID:    p.userID,
			Scopes:    p.scopes,
			CNFJKT:    p.cnfJKT,
			SID:       p.sid,
			FamilyID:  familyID,
			ParentJTI: p.parentJTI,
			IssuedAt:  now,
			ExpiresAt: now.Add(refreshTTL),
		}); err != nil {
			return nil, WrapErr(CodeServerError, "failed to record refresh token", err)
		}
		resp.RefreshToken = p.refreshJTI
	}

	if p.idToken != nil && slices.Contains(p.scopes, ScopeOpenID) {
		idt := *p.idToken
		idt.subject = p.subject
		idt.sid = p.sid
		idt.accessToken = accessToken
		idToken, err := s.buildIDToken(ctx, req.Client, idt)
		if err != nil {
			return nil, WrapErr(CodeServerError, "failed to build id_token", err)
		}
		resp.IDToken = idToken
	}

	return resp, nil
}

// Revoke handles the revocation endpoint (RFC 7009): refresh tokens are
// revoked with their whole family, access tokens by jti. Unknown tokens are
// ignored.
func (s *Service) Revoke(ctx context.Context, tenant, tokenValue string) error {
	if tokenValue == "" {
		return nil
	}

	// Opaque refresh tokens are their own jti.
	if rec, err := s.deps.Records.Get(ctx, tenant, tokenValue); err == nil {
		if rec.Kind == KindRefresh && rec.FamilyID != "" {
			return s.deps.Records.RevokeFamily(ctx, tenant, rec.FamilyID)
		}
		return s.deps.Records.Revoke(ctx, tenant, tokenValue)
	}

	// Otherwise try it as a signed access token and revoke by jti.
	claims, err := s.deps.Ring.Verify(ctx, tokenValue, s.deps.Issuer, "", nil)
	if err != nil {
		return nil
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil
	}
	return s.deps.Records.Revoke(ctx, tenant, jti)
}
