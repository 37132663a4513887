// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/edgewarden/edgewarden/pkg/ciba"
	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/logger"
	"github.com/edgewarden/edgewarden/pkg/token"
)

// maxPendingCIBAPerClient caps outstanding backchannel requests per client.
const maxPendingCIBAPerClient = 10

func (s *Server) handleBCAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	c, err := s.authenticateClient(r, tenant, "/bc-authorize", false)
	if err != nil {
		unauthorizedClient(w)
		return
	}
	if !c.GrantAllowed(token.GrantCIBA) {
		writeOAuthError(w, http.StatusBadRequest, "unauthorized_client", "client is not registered for the ciba grant")
		return
	}

	loginHint := r.PostForm.Get("login_hint")
	if !validLoginHint(loginHint) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "login_hint is required and must be parseable")
		return
	}

	mode := c.CIBATokenDeliveryMode
	if mode == "" {
		mode = client.CIBAModePoll
	}
	notificationToken := r.PostForm.Get("client_notification_token")
	if mode == client.CIBAModePing {
		if c.CIBANotificationEndpoint == "" || notificationToken == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "ping delivery requires a notification endpoint and client_notification_token")
			return
		}
	}

	ttl, err := s.deps.Config.CIBAExpiry(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
		return
	}
	interval, err := s.deps.Config.CIBAPollInterval(ctx)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
		return
	}

	req, err := s.deps.CIBA.Start(ctx, ciba.StartParams{
		Tenant:                  tenant,
		ClientID:                c.ID,
		Scopes:                  c.FilterScopes(strings.Fields(r.PostForm.Get("scope"))),
		LoginHint:               loginHint,
		BindingMessage:          r.PostForm.Get("binding_message"),
		Mode:                    mode,
		ClientNotificationToken: notificationToken,
		TTL:                     ttl,
		Interval:                interval,
		MaxPerClient:            maxPendingCIBAPerClient,
	})
	if err != nil {
		if errors.Is(err, ciba.ErrTooManyRequests) {
			writeOAuthError(w, http.StatusTooManyRequests, "slow_down", "too many pending requests")
			return
		}
		logger.Errorw("backchannel authentication failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "backchannel authentication failed")
		return
	}

	writeTokenJSON(w, http.StatusOK, map[string]any{
		"auth_req_id": req.AuthReqID,
		"expires_in":  int64(ttl.Seconds()),
		"interval":    int64(interval.Seconds()),
	})
}

// handleCIBADecision records the authentication device's decision and, for
// ping clients, notifies the consumer out of band.
func (s *Server) handleCIBADecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}
	ctx := r.Context()
	tenant := tenantFromContext(ctx)

	sess, err := s.deps.Sessions.Get(ctx, tenant, sessionID(r))
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "authentication required")
		return
	}

	authReqID := r.PostForm.Get("auth_req_id")
	var req *ciba.Request
	if r.PostForm.Get("decision") == "deny" {
		req, err = s.deps.CIBA.Deny(ctx, tenant, authReqID)
	} else {
		req, err = s.deps.CIBA.Approve(ctx, tenant, authReqID, sess.UserID, sess.UserID)
	}
	switch {
	case err == nil:
		s.notifyCIBA(ctx, tenant, req)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case errors.Is(err, ciba.ErrUnknownRequest):
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown auth_req_id")

	case errors.Is(err, ciba.ErrAlreadyDecided):
		writeOAuthError(w, http.StatusConflict, "invalid_request", "request already decided")

	default:
		logger.Errorw("backchannel decision failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "decision failed")
	}
}

// notifyCIBA delivers the ping notification without holding up the
// decision response. Delivery failures are retried by the notifier and
// logged; the decision itself already stands.
func (s *Server) notifyCIBA(ctx context.Context, tenant string, req *ciba.Request) {
	if s.deps.Notifier == nil || req == nil || req.Mode != ciba.ModePing {
		return
	}
	c, err := s.deps.Clients.Get(ctx, tenant, req.ClientID)
	if err != nil || c.CIBANotificationEndpoint == "" {
		logger.Warnw("no notification endpoint for ping client",
			"auth_req_id", req.AuthReqID, "client_id", req.ClientID)
		return
	}
	endpoint := c.CIBANotificationEndpoint
	go func() {
		notifyCtx, cancel := context.WithTimeout(context.Background(), ciba.DefaultRetryDelay*ciba.DefaultMaxAttempts*2)
		defer cancel()
		if err := s.deps.Notifier.Notify(notifyCtx, req, endpoint); err != nil {
			logger.Warnw("backchannel notification failed",
				"auth_req_id", req.AuthReqID, "client_id", req.ClientID, "error", err)
		}
	}()
}

// validLoginHint accepts the hint formats the authentication device can
// resolve: an email address, a phone number, or a subject reference.
func validLoginHint(hint string) bool {
	if hint == "" {
		return false
	}
	if strings.HasPrefix(hint, "sub:") {
		return len(hint) > len("sub:")
	}
	if strings.HasPrefix(hint, "+") {
		return len(strings.TrimLeft(hint[1:], "0123456789 ")) == 0 && len(hint) > 5
	}
	at := strings.Index(hint, "@")
	return at > 0 && at < len(hint)-1
}
