// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/edgewarden/edgewarden/pkg/client"
)

// Supported response_type value sets. id_token-only implicit flows are not
// served.
var supportedResponseTypes = [][]string{
	{"code"},
	{"code", "id_token"},
	{"code", "token"},
	{"code", "id_token", "token"},
}

// Response modes.
const (
	ModeQuery    = "query"
	ModeFragment = "fragment"
	ModeFormPost = "form_post"
)

// PKCE verifier and challenge length bounds (RFC 7636).
const (
	pkceMinLength = 43
	pkceMaxLength = 128
)

// validate runs the parameter pipeline in a fixed order. Failures before
// the redirect_uri is proven registered are direct errors; afterwards they
// go back to the client.
func (s *Service) validate(ctx context.Context, tenant string, c *client.Client, values url.Values) (*Request, error) {
	req := &Request{
		Tenant:   tenant,
		ClientID: c.ID,
	}

	// redirect_uri: normalize, then exact match against the registered set.
	rawRedirect := values.Get("redirect_uri")
	if rawRedirect == "" {
		return nil, direct(CodeInvalidRequest, "redirect_uri is required")
	}
	normalized, err := NormalizeRedirectURI(rawRedirect)
	if err != nil {
		return nil, direct(CodeInvalidRequest, "redirect_uri is malformed")
	}
	if !c.RedirectURIRegistered(normalized) {
		return nil, direct(CodeInvalidRequest, "redirect_uri is not registered")
	}
	req.RedirectURI = normalized
	req.State = values.Get("state")

	// response_mode before response_type so redirectable errors use the
	// requested mode where it is sane.
	mode := values.Get("response_mode")
	if mode == "" {
		mode = ModeQuery
	}
	req.ResponseMode = mode

	// response_type.
	responseType, err := canonicalResponseType(values.Get("response_type"))
	if err != nil {
		return nil, req.redirectable(CodeUnsupportedResponseType, err.Error())
	}
	req.ResponseType = responseType

	switch mode {
	case ModeQuery, ModeFormPost:
	case ModeFragment:
		if responseType == "code" {
			return nil, req.redirectable(CodeInvalidRequest, "response_mode fragment cannot carry an authorization code")
		}
	default:
		return nil, req.redirectable(CodeInvalidRequest, fmt.Sprintf("unsupported response_mode %q", mode))
	}

	// scope.
	scopes := strings.Fields(values.Get("scope"))
	for _, sc := range scopes {
		if !validScopeToken(sc) {
			return nil, req.redirectable(CodeInvalidScope, fmt.Sprintf("malformed scope token %q", sc))
		}
	}
	req.Scopes = c.FilterScopes(scopes)

	// PKCE.
	fapi, err := s.deps.Config.ForTenant(tenant).FAPIEnabled(ctx)
	if err != nil {
		return nil, &AuthError{Code: CodeServerError, Description: "configuration unavailable", cause: err}
	}
	challenge := values.Get("code_challenge")
	method := values.Get("code_challenge_method")
	if challenge != "" {
		if method == "" {
			return nil, req.redirectable(CodeInvalidRequest, "code_challenge_method is required with code_challenge")
		}
		if method != "S256" && method != "plain" {
			return nil, req.redirectable(CodeInvalidRequest, fmt.Sprintf("unsupported code_challenge_method %q", method))
		}
		if len(challenge) < pkceMinLength || len(challenge) > pkceMaxLength {
			return nil, req.redirectable(CodeInvalidRequest, "code_challenge length must be 43-128 characters")
		}
	}
	if fapi {
		if challenge == "" {
			return nil, req.redirectable(CodeInvalidRequest, "PKCE is required")
		}
		if method != "S256" {
			return nil, req.redirectable(CodeInvalidRequest, "code_challenge_method must be S256")
		}
	}
	req.CodeChallenge = challenge
	req.CodeChallengeMethod = method

	req.Nonce = values.Get("nonce")
	req.DPoPJKT = values.Get("dpop_jkt")
	req.LoginHint = values.Get("login_hint")
	req.Prompt = strings.Fields(values.Get("prompt"))
	req.ACRValues = strings.Fields(values.Get("acr_values"))

	if rawMaxAge := values.Get("max_age"); rawMaxAge != "" {
		seconds, err := strconv.ParseInt(rawMaxAge, 10, 64)
		if err != nil || seconds < 0 {
			return nil, req.redirectable(CodeInvalidRequest, "max_age must be a non-negative integer")
		}
		req.MaxAge = time.Duration(seconds) * time.Second
		req.HasMaxAge = true
	}

	if rawClaims := values.Get("claims"); rawClaims != "" {
		claims, err := parseClaimsParam(rawClaims)
		if err != nil {
			return nil, req.redirectable(CodeInvalidRequest, "claims parameter is malformed")
		}
		req.Claims = claims
	}

	return req, nil
}

// canonicalResponseType validates and canonicalizes the space-delimited
// response_type set. Matching is exact set equality, so duplicated tokens
// never alias a different supported combination.
func canonicalResponseType(raw string) (string, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return "", fmt.Errorf("response_type is required")
	}
	slices.Sort(parts)
	for _, supported := range supportedResponseTypes {
		sorted := slices.Clone(supported)
		slices.Sort(sorted)
		if slices.Equal(parts, sorted) {
			return strings.Join(supported, " "), nil
		}
	}
	return "", fmt.Errorf("unsupported response_type %q", raw)
}

// validScopeToken checks the scope-token grammar of RFC 6749 section 3.3.
func validScopeToken(s string) bool {
	for _, r := range s {
		if r == 0x21 || (r >= 0x23 && r <= 0x5B) || (r >= 0x5D && r <= 0x7E) {
			continue
		}
		return false
	}
	return len(s) > 0
}

// NormalizeRedirectURI applies RFC 6749 URL normalization: lowercase scheme
// and host, default ports removed, empty path kept empty.
func NormalizeRedirectURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Fragment != "" {
		return "", fmt.Errorf("redirect_uri must be absolute and fragment-free")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
	case u.Scheme == "https" && port == "443", u.Scheme == "http" && port == "80":
	default:
		host = host + ":" + port
	}
	u.Host = host
	return u.String(), nil
}
