// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/edgewarden/edgewarden/pkg/token"
)

// userinfoError answers 401 with the WWW-Authenticate scheme the caller
// used. The error stays generic regardless of cause, so the endpoint
// cannot be used to probe which subjects or tokens exist.
func userinfoError(w http.ResponseWriter, scheme, code string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("%s error=%q", scheme, code))
	writeOAuthError(w, http.StatusUnauthorized, code, "")
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	scheme, accessToken, ok := bearerToken(r)
	if !ok {
		userinfoError(w, "Bearer", "invalid_request")
		return
	}

	claims, err := s.deps.Ring.Verify(ctx, accessToken, s.cfg.Issuer, "", nil)
	if err != nil {
		userinfoError(w, scheme, "invalid_token")
		return
	}
	jti, _ := claims["jti"].(string)
	sub, _ := claims["sub"].(string)
	if jti == "" || sub == "" {
		userinfoError(w, scheme, "invalid_token")
		return
	}

	// Revoked or expired tokens are inactive in the registry even when the
	// signature still verifies.
	rec, err := s.deps.Records.Get(ctx, tenant, jti)
	if err != nil || !rec.Active() {
		userinfoError(w, scheme, "invalid_token")
		return
	}

	// A cnf claim makes the token sender-constrained: the matching DPoP
	// proof must cover this very request.
	if jkt := confirmationJKT(claims); jkt != "" {
		if scheme != "DPoP" || s.deps.DPoP == nil {
			userinfoError(w, "DPoP", "invalid_token")
			return
		}
		proofJKT, err := s.deps.DPoP.Verify(ctx, r.Header.Get("DPoP"), r.Method, s.cfg.Issuer+"/userinfo", accessToken)
		if err != nil || proofJKT != jkt {
			userinfoError(w, "DPoP", "invalid_token")
			return
		}
	}

	scopes := strings.Fields(stringClaim(claims, "scope"))
	if !slices.Contains(scopes, token.ScopeOpenID) {
		userinfoError(w, scheme, "insufficient_scope")
		return
	}

	info := map[string]any{"sub": sub}
	if sid := stringClaim(claims, "sid"); sid != "" {
		info["sid"] = sid
	}
	if slices.Contains(scopes, "profile") {
		copyClaim(claims, info, "name")
		copyClaim(claims, info, "preferred_username")
	}
	if slices.Contains(scopes, "email") {
		copyClaim(claims, info, "email")
		copyClaim(claims, info, "email_verified")
	}

	writeTokenJSON(w, http.StatusOK, info)
}

// bearerToken extracts the access token from the Authorization header,
// accepting Bearer and DPoP schemes.
func bearerToken(r *http.Request) (scheme, value string, ok bool) {
	header := r.Header.Get("Authorization")
	for _, candidate := range []string{"DPoP", "Bearer"} {
		if len(header) > len(candidate)+1 && strings.EqualFold(header[:len(candidate)], candidate) && header[len(candidate)] == ' ' {
			return candidate, header[len(candidate)+1:], true
		}
	}
	return "", "", false
}

func confirmationJKT(claims map[string]any) string {
	cnf, ok := claims["cnf"].(map[string]any)
	if !ok {
		return ""
	}
	jkt, _ := cnf["jkt"].(string)
	return jkt
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

func copyClaim(claims, into map[string]any, key string) {
	if v, ok := claims[key]; ok {
		into[key] = v
	}
}
