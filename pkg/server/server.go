// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the HTTP surface of the identity provider:
// discovery, authorization, token, introspection, revocation, userinfo,
// device and backchannel authorization endpoints on a chi router.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/authorize"
	"github.com/edgewarden/edgewarden/pkg/ciba"
	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/device"
	"github.com/edgewarden/edgewarden/pkg/introspect"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/par"
	"github.com/edgewarden/edgewarden/pkg/ratelimit"
	"github.com/edgewarden/edgewarden/pkg/session"
	"github.com/edgewarden/edgewarden/pkg/token"
)

// SessionCookie carries the end-user session id.
const SessionCookie = "edgewarden_sid"

// Config is the static server configuration.
type Config struct {
	// Issuer is the advertised issuer URL, also the base for endpoint URLs.
	Issuer string

	// DefaultTenant applies when no tenant header is present.
	DefaultTenant string
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Authorize  *authorize.Service
	Tokens     *token.Service
	Introspect *introspect.Service
	Clients    *client.Registry
	Auth       *client.Authenticator

	// Registrar, when set, enables dynamic client registration.
	Registrar  *client.Registrar
	Ring       *keyring.Ring
	DPoP       *keyring.DPoPVerifier
	PAR        *par.Store
	Devices    *device.Store
	CIBA       *ciba.Store
	Notifier   *ciba.Notifier
	Sessions   *session.Store
	Records    *token.Registry
	Config     *config.Resolver
	Limiter    *ratelimit.Limiter
	UserCodes  *ratelimit.UserCodeRateLimiter

	// Backend is probed by the health endpoint when it supports pinging.
	Backend actor.Backend
}

// Server is the HTTP front of the identity provider.
type Server struct {
	cfg  Config
	deps Deps
}

// New creates a Server.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("server: issuer is required")
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	if deps.Authorize == nil || deps.Tokens == nil || deps.Introspect == nil ||
		deps.Clients == nil || deps.Auth == nil || deps.Ring == nil || deps.Config == nil {
		return nil, fmt.Errorf("server: missing required dependency")
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tenantMiddleware(s.cfg.DefaultTenant))
	r.Use(requestLogger)

	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/jwks", s.handleJWKS)

	r.Get("/authorize", s.limited(ratelimit.ClassAuthorize, s.handleAuthorize))
	r.Post("/authorize", s.limited(ratelimit.ClassAuthorize, s.handleAuthorize))
	r.Get("/authorize/callback", s.limited(ratelimit.ClassAuthorize, s.handleAuthorizeCallback))

	r.Post("/as/par", s.limited(ratelimit.ClassAuthorize, s.handlePAR))

	if s.deps.Registrar != nil {
		r.Post("/register", s.limited(ratelimit.ClassDefault, s.handleRegister))
	}

	r.Post("/token", s.limited(ratelimit.ClassToken, s.handleToken))
	r.Post("/introspect", s.limited(ratelimit.ClassIntrospect, s.handleIntrospect))
	r.Post("/revoke", s.limited(ratelimit.ClassDefault, s.handleRevoke))

	r.Get("/userinfo", s.limited(ratelimit.ClassDefault, s.handleUserinfo))
	r.Post("/userinfo", s.limited(ratelimit.ClassDefault, s.handleUserinfo))

	r.Post("/device_authorization", s.limited(ratelimit.ClassDevice, s.handleDeviceAuthorization))
	r.Post("/device/verify", s.limited(ratelimit.ClassDevice, s.handleDeviceVerify))

	r.Post("/bc-authorize", s.limited(ratelimit.ClassDefault, s.handleBCAuthorize))
	r.Post("/bc-authorize/decision", s.limited(ratelimit.ClassDefault, s.handleCIBADecision))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// writeJSON renders a JSON response.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeTokenJSON renders a JSON response that must never be cached.
func writeTokenJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, payload)
}

// writeOAuthError renders an RFC 6749 error document.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeTokenJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// sessionID reads the session cookie, empty when absent.
func sessionID(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// pinger is implemented by backends that can report connectivity.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.deps.Backend.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"reason": "storage unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
