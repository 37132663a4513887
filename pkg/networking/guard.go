// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package networking provides the outbound HTTP layer for URLs supplied by
// registered clients: jwks_uri lookups and backchannel notification
// endpoints. Every such URL is validated before use and every connection is
// guarded against dialing private address space.
package networking

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrForbiddenURL is returned when a client-supplied URL fails validation.
var ErrForbiddenURL = errors.New("networking: URL not allowed")

// internalTLDs are name suffixes that never resolve on the public internet.
var internalTLDs = []string{
	".local",
	".localhost",
	".internal",
	".intranet",
	".corp",
	".home",
	".lan",
}

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

// IsPrivateIP reports whether the IP belongs to loopback, RFC 1918,
// link-local, CGNAT or the unspecified range.
func IsPrivateIP(ip net.IP) bool {
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateExternalURL checks a client-supplied URL before any connection is
// made: HTTPS only, port 443, a public DNS name (no internal TLDs, no IP
// literals), no userinfo. The dialer guard re-checks the resolved address at
// connect time, so a DNS rebind between validation and dial still fails.
func ValidateExternalURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed URL: %w", ErrForbiddenURL, err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrForbiddenURL)
	}
	if u.User != nil {
		return fmt.Errorf("%w: userinfo is not allowed", ErrForbiddenURL)
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("%w: port must be 443", ErrForbiddenURL)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrForbiddenURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		return fmt.Errorf("%w: IP literals are not allowed", ErrForbiddenURL)
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if !strings.Contains(lower, ".") {
		return fmt.Errorf("%w: host must be a public DNS name", ErrForbiddenURL)
	}
	for _, tld := range internalTLDs {
		if strings.HasSuffix(lower, tld) {
			return fmt.Errorf("%w: internal TLD", ErrForbiddenURL)
		}
	}

	return nil
}

// protectedDialerControl rejects connections whose resolved address is
// private. Runs after DNS resolution, immediately before connect.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForbiddenURL, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolvable address %q", ErrForbiddenURL, host)
	}
	if IsPrivateIP(ip) {
		return fmt.Errorf("%w: %s resolves to private address space", ErrForbiddenURL, host)
	}
	return nil
}
