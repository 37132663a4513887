// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPTimeout is the overall timeout for outgoing requests.
const HTTPTimeout = 30 * time.Second

// ValidatingTransport runs ValidateExternalURL on every request URL before
// forwarding it. Redirect targets pass through RoundTrip again, so they are
// validated too.
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := ValidateExternalURL(req.URL.String()); err != nil {
		return nil, err
	}
	return t.Transport.RoundTrip(req)
}

// ClientBuilder builds guarded HTTP clients.
type ClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	allowPrivate          bool
}

// NewClientBuilder returns a builder with default timeouts.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall request timeout.
func (b *ClientBuilder) WithTimeout(timeout time.Duration) *ClientBuilder {
	b.clientTimeout = timeout
	return b
}

// WithPrivateIPs allows connections to private address space. Only tests
// and explicitly configured development setups use this.
func (b *ClientBuilder) WithPrivateIPs(allow bool) *ClientBuilder {
	b.allowPrivate = allow
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	var rt http.RoundTripper = transport
	if !b.allowPrivate {
		rt = &ValidatingTransport{Transport: transport}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   b.clientTimeout,
	}, nil
}

// NewGuardedClient is the common case: HTTPS-only, public addresses only.
func NewGuardedClient() *http.Client {
	client, err := NewClientBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("building default client: %v", err))
	}
	return client
}
