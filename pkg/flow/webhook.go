// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/edgewarden/edgewarden/pkg/networking"
)

// Webhook caller defaults.
const (
	webhookTimeout          = 5 * time.Second
	webhookFailureThreshold = 3
	webhookBreakerTimeout   = 30 * time.Second
)

// WebhookCaller posts webhook node payloads behind a circuit breaker, so a
// dead endpoint cannot stall every flow that references it.
type WebhookCaller struct {
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker[int]
	allowPrivate bool
}

// WebhookOption customizes a WebhookCaller.
type WebhookOption func(*WebhookCaller)

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(w *WebhookCaller) { w.client = client }
}

// WithPrivateWebhooks disables the external-URL guard for tests and
// private deployments.
func WithPrivateWebhooks() WebhookOption {
	return func(w *WebhookCaller) { w.allowPrivate = true }
}

// NewWebhookCaller creates a caller with an SSRF-guarded client and a
// breaker that opens after consecutive failures.
func NewWebhookCaller(opts ...WebhookOption) *WebhookCaller {
	w := &WebhookCaller{
		client: networking.NewGuardedClient(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:    "flow-webhook",
		Timeout: webhookBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= webhookFailureThreshold
		},
	})
	return w
}

// Call posts the payload to the webhook endpoint. Non-2xx responses count
// as failures toward the breaker.
func (w *WebhookCaller) Call(ctx context.Context, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("webhook node has no url configured")
	}
	if !w.allowPrivate {
		if err := networking.ValidateExternalURL(url); err != nil {
			return fmt.Errorf("webhook url rejected: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	_, err := w.breaker.Execute(func() (int, error) {
		status, err := networking.PostJSON(callCtx, w.client, url, payload, nil)
		if err != nil {
			return status, err
		}
		if status < 200 || status >= 300 {
			return status, fmt.Errorf("webhook returned status %d", status)
		}
		return status, nil
	})
	return err
}
