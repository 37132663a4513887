// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/httprate"

	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

// Limiter builds per-endpoint-class middleware. Each class keeps one
// counter chain per profile; the active profile is resolved per request
// through the config resolver's cache, so a profile switch takes effect
// within the cache TTL.
type Limiter struct {
	cfg       *config.Resolver
	whitelist map[string]struct{}
}

// New creates a Limiter. Whitelisted IPs bypass counting entirely.
func New(cfg *config.Resolver, whitelist []string) *Limiter {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		wl[ip] = struct{}{}
	}
	return &Limiter{cfg: cfg, whitelist: wl}
}

// Middleware returns the rate-limiting middleware for an endpoint class.
func (l *Limiter) Middleware(class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		chains := make(map[Profile]http.Handler, len(profiles))
		for profile := range profiles {
			spec := specFor(profile, class)
			chains[profile] = httprate.Limit(
				spec.Requests,
				spec.Window,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(tooManyRequests),
			)(next)
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.whitelisted(r) {
				next.ServeHTTP(w, r)
				return
			}
			chains[l.profile(r.Context())].ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) profile(ctx context.Context) Profile {
	raw, err := l.cfg.RateLimitProfile(ctx)
	if err != nil {
		// The resolver only fails when every layer is unreachable; limiting
		// continues on the moderate table rather than blocking traffic.
		logger.Warnw("rate limit profile lookup failed, using moderate", "error", err)
		return ProfileModerate
	}
	return ParseProfile(raw)
}

func (l *Limiter) whitelisted(r *http.Request) bool {
	if len(l.whitelist) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	_, ok := l.whitelist[host]
	return ok
}

func tooManyRequests(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"temporarily_unavailable","error_description":"rate limit exceeded"}`))
}
