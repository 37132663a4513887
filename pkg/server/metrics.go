// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewarden_tokens_issued_total",
		Help: "Tokens issued by the token endpoint, per grant type.",
	}, []string{"grant_type"})

	tokenErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewarden_token_errors_total",
		Help: "Token endpoint failures, per OAuth error code.",
	}, []string{"error"})

	rateLimitRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewarden_ratelimit_rejected_total",
		Help: "Requests rejected by the rate limiter, per endpoint class.",
	}, []string{"class"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewarden_http_requests_total",
		Help: "HTTP requests served, per route pattern and status code.",
	}, []string{"path", "status"})
)
