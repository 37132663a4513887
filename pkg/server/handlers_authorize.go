// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/edgewarden/edgewarden/pkg/authorize"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	tenant := tenantFromContext(r.Context())

	outcome, err := s.deps.Authorize.Authorize(r.Context(), authorize.Params{
		Tenant: tenant,
		Values: r.Form,
		SID:    sessionID(r),
	})
	s.renderAuthorizeOutcome(w, r, outcome, err)
}

// handleAuthorizeCallback resumes a suspended request after the login UI
// established a session.
func (s *Server) handleAuthorizeCallback(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	challengeID := r.URL.Query().Get("challenge_id")
	if challengeID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "challenge_id is required")
		return
	}

	outcome, err := s.deps.Authorize.Resume(r.Context(), tenant, challengeID, sessionID(r))
	s.renderAuthorizeOutcome(w, r, outcome, err)
}

func (s *Server) renderAuthorizeOutcome(w http.ResponseWriter, r *http.Request, outcome *authorize.Outcome, err error) {
	if err != nil {
		var authErr *authorize.AuthError
		if errors.As(err, &authErr) {
			if writeErr := authorize.WriteError(w, r, authErr); writeErr != nil {
				logger.Errorw("failed to render authorization error", "error", writeErr)
			}
			return
		}
		logger.Errorw("authorization failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "authorization failed")
		return
	}

	if outcome.Login != nil {
		http.Redirect(w, r, outcome.Login.URL, http.StatusFound)
		return
	}
	if err := authorize.WriteSuccess(w, r, outcome.Success); err != nil {
		logger.Errorw("failed to render authorization response", "error", err)
	}
}
