// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

// authenticateClient authenticates the caller of a client-facing endpoint.
// Under the FAPI profile the client must additionally satisfy the FAPI
// client checks. The caller must have parsed the form already.
func (s *Server) authenticateClient(r *http.Request, tenant, endpoint string, allowPublic bool) (*client.Client, error) {
	ctx := r.Context()

	fapi, err := s.deps.Config.ForTenant(tenant).FAPIEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if fapi {
		allowPublic = false
	}

	c, err := s.deps.Auth.Authenticate(ctx, client.FromHTTP(r, tenant, s.cfg.Issuer+endpoint, allowPublic))
	if err != nil {
		return nil, err
	}
	if fapi {
		if err := client.CheckFAPI(c); err != nil {
			logger.Debugw("client rejected by fapi profile", "client_id", c.ID, "error", err)
			return nil, err
		}
	}
	return c, nil
}

// unauthorizedClient answers a failed client authentication. Every failure
// maps to the same 401 invalid_client, so probes cannot distinguish unknown
// ids from bad credentials.
func unauthorizedClient(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="edgewarden"`)
	writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
}
