// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/edgewarden/edgewarden/pkg/logger"
	"github.com/edgewarden/edgewarden/pkg/token"
)

// discoveryCacheControl lets relying parties cache the discovery document
// and key set for an hour.
const discoveryCacheControl = "public, max-age=3600"

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	signingAlg, err := s.deps.Ring.SigningAlgorithm(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "signing configuration unavailable")
		return
	}
	acrValues, err := s.deps.Config.ACRValues(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
		return
	}
	fapi, err := s.deps.Config.ForTenant(tenant).FAPIEnabled(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
		return
	}

	issuer := s.cfg.Issuer
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"pushed_authorization_request_endpoint": issuer + "/as/par",
		"token_endpoint":                        issuer + "/token",
		"introspection_endpoint":                issuer + "/introspect",
		"revocation_endpoint":                   issuer + "/revoke",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"device_authorization_endpoint":         issuer + "/device_authorization",
		"backchannel_authentication_endpoint":   issuer + "/bc-authorize",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",

		"response_types_supported": []string{
			"code", "code id_token", "code token", "code id_token token",
		},
		"response_modes_supported": []string{"query", "fragment", "form_post"},
		"grant_types_supported": []string{
			token.GrantAuthorizationCode,
			token.GrantRefreshToken,
			token.GrantClientCredentials,
			token.GrantDeviceCode,
			token.GrantCIBA,
			token.GrantTokenExchange,
		},
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic", "client_secret_post", "private_key_jwt", "none",
		},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"dpop_signing_alg_values_supported":     []string{"ES256", "RS256"},
		"id_token_signing_alg_values_supported": []string{signingAlg},
		"request_object_signing_alg_values_supported": []string{"ES256", "RS256"},
		"request_parameter_supported":                 true,
		"request_uri_parameter_supported":             true,
		"backchannel_token_delivery_modes_supported":  []string{"poll", "ping"},
		"subject_types_supported":                     []string{"public"},
		"acr_values_supported":                        acrValues,
	}
	if s.deps.Registrar != nil {
		doc["registration_endpoint"] = issuer + "/register"
	}
	if fapi {
		doc["require_pushed_authorization_requests"] = true
	}

	w.Header().Set("Cache-Control", discoveryCacheControl)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.deps.Ring.PublicJWKS(r.Context())
	if err != nil {
		logger.Errorw("failed to export public key set", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "key set unavailable")
		return
	}
	w.Header().Set("Cache-Control", discoveryCacheControl)
	writeJSON(w, http.StatusOK, set)
}
