// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

// maxRegistrationBody bounds the request document size.
const maxRegistrationBody = 64 << 10

// handleRegister implements dynamic client registration (RFC 7591) for
// public clients. The request is anonymous; the tenant comes from the
// tenant header.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	var req client.RegistrationRequest
	body := http.MaxBytesReader(w, r.Body, maxRegistrationBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
		return
	}

	c, err := s.deps.Registrar.Register(ctx, tenant, &req)
	if err != nil {
		var regErr *client.RegistrationError
		if errors.As(err, &regErr) {
			writeTokenJSON(w, http.StatusBadRequest, regErr)
			return
		}
		logger.Errorw("client registration failed", "tenant", tenant, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	writeTokenJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  c.ID,
		"client_id_issued_at":        time.Now().Unix(),
		"client_name":                c.Name,
		"redirect_uris":              c.RedirectURIs,
		"grant_types":                c.GrantTypes,
		"response_types":             c.ResponseTypes,
		"scope":                      strings.Join(c.Scopes, " "),
		"token_endpoint_auth_method": c.TokenEndpointAuthMethod,
	})
}
