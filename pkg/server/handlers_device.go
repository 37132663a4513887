// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/edgewarden/edgewarden/pkg/device"
	"github.com/edgewarden/edgewarden/pkg/logger"
	"github.com/edgewarden/edgewarden/pkg/token"
)

func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	c, err := s.authenticateClient(r, tenant, "/device_authorization", true)
	if err != nil {
		unauthorizedClient(w)
		return
	}
	if !c.GrantAllowed(token.GrantDeviceCode) {
		writeOAuthError(w, http.StatusBadRequest, "unauthorized_client", "client is not registered for the device grant")
		return
	}

	ttl, err := s.deps.Config.DeviceCodeTTL(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
		return
	}
	interval, err := s.deps.Config.DevicePollInterval(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
		return
	}

	grant, err := s.deps.Devices.Start(ctx, device.StartParams{
		Tenant:   tenant,
		ClientID: c.ID,
		Scopes:   c.FilterScopes(strings.Fields(r.PostForm.Get("scope"))),
		TTL:      ttl,
		Interval: interval,
	})
	if err != nil {
		logger.Errorw("device authorization failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "device authorization failed")
		return
	}

	userCode := device.FormatUserCode(grant.UserCode)
	writeTokenJSON(w, http.StatusOK, map[string]any{
		"device_code":               grant.DeviceCode,
		"user_code":                 userCode,
		"verification_uri":          s.cfg.Issuer + "/device",
		"verification_uri_complete": s.cfg.Issuer + "/device?user_code=" + userCode,
		"expires_in":                int64(ttl.Seconds()),
		"interval":                  int64(interval.Seconds()),
	})
}

// handleDeviceVerify records the user's decision for a displayed user
// code. The caller must hold a session; guesses are throttled per source
// address with exponential backoff.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)
	ip := remoteIP(r)

	if s.deps.UserCodes != nil {
		if err := s.deps.UserCodes.Check(ctx, tenant, ip); err != nil {
			writeOAuthError(w, http.StatusTooManyRequests, "slow_down", "too many attempts")
			return
		}
	}

	sid := sessionID(r)
	sess, err := s.deps.Sessions.Get(ctx, tenant, sid)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "authentication required")
		return
	}

	userCode := r.PostForm.Get("user_code")
	approve := r.PostForm.Get("decision") != "deny"

	if approve {
		err = s.deps.Devices.Approve(ctx, tenant, userCode, sess.UserID, sess.UserID)
	} else {
		err = s.deps.Devices.Deny(ctx, tenant, userCode)
	}
	switch {
	case err == nil:
		if s.deps.UserCodes != nil {
			_ = s.deps.UserCodes.RecordSuccess(ctx, tenant, ip)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case errors.Is(err, device.ErrUnknownUserCode):
		if s.deps.UserCodes != nil {
			_ = s.deps.UserCodes.RecordFailure(ctx, tenant, ip)
		}
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown user_code")

	case errors.Is(err, device.ErrAlreadyApproved), errors.Is(err, device.ErrAlreadyDenied):
		writeOAuthError(w, http.StatusConflict, "invalid_request", "user_code already decided")

	default:
		logger.Errorw("device verification failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "verification failed")
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

