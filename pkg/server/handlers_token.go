// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/edgewarden/edgewarden/pkg/logger"
	"github.com/edgewarden/edgewarden/pkg/token"
)

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	c, err := s.authenticateClient(r, tenant, "/token", true)
	if err != nil {
		tokenErrorsTotal.WithLabelValues("invalid_client").Inc()
		unauthorizedClient(w)
		return
	}

	form := r.PostForm
	req := &token.Request{
		Tenant:    tenant,
		Client:    c,
		GrantType: form.Get("grant_type"),

		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),

		RefreshToken: form.Get("refresh_token"),
		Scopes:       strings.Fields(form.Get("scope")),

		DeviceCode: form.Get("device_code"),
		AuthReqID:  form.Get("auth_req_id"),

		SubjectToken:     form.Get("subject_token"),
		SubjectTokenType: form.Get("subject_token_type"),
		ActorToken:       form.Get("actor_token"),
		ActorTokenType:   form.Get("actor_token_type"),
		Audience:         form.Get("audience"),

		DPoPProof:  r.Header.Get("DPoP"),
		HTTPMethod: r.Method,
		HTTPURL:    s.cfg.Issuer + "/token",
	}

	resp, err := s.deps.Tokens.Exchange(ctx, req)
	if err != nil {
		var oauthErr *token.Error
		if errors.As(err, &oauthErr) {
			tokenErrorsTotal.WithLabelValues(oauthErr.Code).Inc()
			writeOAuthError(w, oauthErr.StatusCode(), oauthErr.Code, oauthErr.Description)
			return
		}
		logger.Errorw("token exchange failed", "grant_type", req.GrantType, "error", err)
		tokenErrorsTotal.WithLabelValues("server_error").Inc()
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "token exchange failed")
		return
	}

	tokensIssuedTotal.WithLabelValues(req.GrantType).Inc()
	writeTokenJSON(w, http.StatusOK, resp)
}

// handleRevoke implements RFC 7009. Unknown or already revoked tokens
// still answer 200.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	if _, err := s.authenticateClient(r, tenant, "/revoke", false); err != nil {
		unauthorizedClient(w)
		return
	}

	if err := s.deps.Introspect.Revoke(ctx, tenant, r.PostForm.Get("token")); err != nil {
		logger.Errorw("revocation failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "revocation failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	if _, err := s.authenticateClient(r, tenant, "/introspect", false); err != nil {
		unauthorizedClient(w)
		return
	}

	resp, err := s.deps.Introspect.Introspect(ctx, tenant, r.PostForm.Get("token"))
	if err != nil {
		logger.Errorw("introspection failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "introspection failed")
		return
	}
	writeTokenJSON(w, http.StatusOK, resp)
}
