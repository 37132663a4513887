// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgewarden/edgewarden/pkg/logger"
	"github.com/edgewarden/edgewarden/pkg/ratelimit"
)

// TenantHeader selects the tenant for a request. Absent, the server's
// default tenant applies.
const TenantHeader = "X-Edgewarden-Tenant"

type contextKey string

const tenantContextKey contextKey = "tenant"

// tenantFromContext returns the tenant the middleware resolved.
func tenantFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tenantContextKey).(string)
	return t
}

// tenantMiddleware resolves the tenant once per request.
func tenantMiddleware(defaultTenant string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := r.Header.Get(TenantHeader)
			if tenant == "" {
				tenant = defaultTenant
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantContextKey, tenant)))
		})
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger logs each request with its route, status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		httpRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		logger.Debugw("request served",
			"method", r.Method,
			"path", pattern,
			"status", rec.status,
			"duration", time.Since(start),
			"tenant", tenantFromContext(r.Context()))
	})
}

// limited wraps a handler with the rate limiter for its endpoint class and
// counts rejections.
func (s *Server) limited(class ratelimit.Class, h http.HandlerFunc) http.HandlerFunc {
	if s.deps.Limiter == nil {
		return h
	}
	inner := s.deps.Limiter.Middleware(class)(h)
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		inner.ServeHTTP(rec, r)
		if rec.status == http.StatusTooManyRequests {
			rateLimitRejectedTotal.WithLabelValues(string(class)).Inc()
		}
	}
}
