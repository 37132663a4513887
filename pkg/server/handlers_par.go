// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/edgewarden/edgewarden/pkg/par"
)

// maxPendingPARPerClient caps outstanding pushed requests per client.
const maxPendingPARPerClient = 50

func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	c, err := s.authenticateClient(r, tenant, "/as/par", true)
	if err != nil {
		unauthorizedClient(w)
		return
	}

	// request_uri cannot itself be pushed.
	if r.PostForm.Get("request_uri") != "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "request_uri is not accepted here")
		return
	}

	params := r.PostForm
	params.Set("client_id", c.ID)
	params.Del("client_secret")
	params.Del("client_assertion")
	params.Del("client_assertion_type")

	// A valid DPoP proof pins the eventual tokens to the proof key.
	if proof := r.Header.Get("DPoP"); proof != "" && s.deps.DPoP != nil {
		jkt, err := s.deps.DPoP.Verify(ctx, proof, r.Method, s.cfg.Issuer+"/as/par", "")
		if err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_dpop_proof", "DPoP proof rejected")
			return
		}
		params.Set("dpop_jkt", jkt)
	}

	expiry, err := s.deps.Config.PARExpiry(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
		return
	}

	requestURI, expiresIn, err := s.deps.PAR.Push(ctx, par.PushParams{
		Tenant:       tenant,
		ClientID:     c.ID,
		Params:       params,
		Expiry:       expiry,
		MaxPerClient: maxPendingPARPerClient,
	})
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "request could not be stored")
		return
	}

	writeTokenJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  expiresIn,
	})
}
