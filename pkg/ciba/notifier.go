// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package ciba

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/edgewarden/edgewarden/pkg/logger"
	"github.com/edgewarden/edgewarden/pkg/networking"
)

// ModePing clients register a notification endpoint and get a POST when the
// request is decided; ModePoll clients poll the token endpoint.
const (
	ModePoll = "poll"
	ModePing = "ping"
)

const (
	// DefaultRetryDelay is the initial delay between notification attempts.
	DefaultRetryDelay = 5 * time.Second

	// DefaultMaxAttempts bounds delivery attempts per decision, including
	// the first.
	DefaultMaxAttempts = 3
)

// ErrNotificationFailed means every delivery attempt was exhausted.
var ErrNotificationFailed = errors.New("ciba: notification delivery failed")

// permanentStatus reports whether a response status should stop retrying.
// 4xx means the endpoint rejected the notification; retrying cannot help.
func permanentStatus(status int) bool {
	return status >= 400 && status < 500
}

// Notifier delivers ping-mode notifications to client endpoints.
type Notifier struct {
	store        *Store
	client       *http.Client
	retryDelay   time.Duration
	maxAttempts  uint
	allowPrivate bool
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithRetryDelay overrides the initial retry delay.
func WithRetryDelay(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.retryDelay = d }
}

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(attempts uint) NotifierOption {
	return func(n *Notifier) { n.maxAttempts = attempts }
}

// WithPrivateEndpoints skips the external URL guard. Pair it with a client
// built via networking.ClientBuilder.WithPrivateIPs; only for tests.
func WithPrivateEndpoints() NotifierOption {
	return func(n *Notifier) { n.allowPrivate = true }
}

// NewNotifier creates a Notifier delivering through the given client, which
// should be a guarded client from the networking package.
func NewNotifier(store *Store, client *http.Client, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		store:       store,
		client:      client,
		retryDelay:  DefaultRetryDelay,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers the decision for req to the client's notification
// endpoint. Transient failures (connection errors, 5xx) are retried with
// exponential backoff up to the attempt budget. Requests that already
// reached a terminal state, or were already notified, are skipped.
func (n *Notifier) Notify(ctx context.Context, req *Request, endpoint string) error {
	if req.Mode != ModePing {
		return nil
	}
	if req.Notified || req.Terminal() {
		return nil
	}
	if !n.allowPrivate {
		if err := networking.ValidateExternalURL(endpoint); err != nil {
			return fmt.Errorf("notification endpoint rejected: %w", err)
		}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+req.ClientNotificationToken)
	payload := map[string]string{"auth_req_id": req.AuthReqID}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = n.retryDelay
	expBackoff.MaxInterval = 12 * n.retryDelay
	expBackoff.Reset()

	operation := func() (any, error) {
		status, err := networking.PostJSON(ctx, n.client, endpoint, payload, headers)
		if err != nil {
			return nil, err
		}
		if status >= 200 && status < 300 {
			return nil, nil
		}
		if permanentStatus(status) {
			return nil, backoff.Permanent(fmt.Errorf("endpoint returned %d", status))
		}
		return nil, fmt.Errorf("endpoint returned %d", status)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(n.maxAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugw("retrying ciba notification",
				"auth_req_id", req.AuthReqID,
				"delay", duration,
				"error", err)
		}),
	)
	if err != nil {
		logger.Warnw("ciba notification delivery failed",
			"auth_req_id", req.AuthReqID,
			"client_id", req.ClientID,
			"error", err)
		return fmt.Errorf("%w: %w", ErrNotificationFailed, err)
	}

	if err := n.store.MarkNotified(ctx, req.Tenant, req.AuthReqID); err != nil {
		return err
	}
	req.Notified = true
	return nil
}
