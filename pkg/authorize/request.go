// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgewarden/edgewarden/pkg/client"
)

// Request is a validated authorization request.
type Request struct {
	Tenant   string
	ClientID string

	RedirectURI  string
	ResponseType string
	ResponseMode string

	Scopes []string
	State  string
	Nonce  string

	CodeChallenge       string
	CodeChallengeMethod string

	// DPoPJKT is the thumbprint captured from a validated proof at PAR.
	DPoPJKT string

	Prompt    []string
	MaxAge    time.Duration
	HasMaxAge bool
	ACRValues []string
	LoginHint string

	// Claims is the parsed OIDC claims request parameter.
	Claims map[string]any
}

// resolveParams expands request_uri and inline request objects into the
// effective parameter set. PAR-stored parameters replace the inline ones
// entirely; request-object claims override same-named parameters.
func (s *Service) resolveParams(ctx context.Context, tenant string, values url.Values) (url.Values, *client.Client, error) {
	clientID := values.Get("client_id")
	if clientID == "" {
		return nil, nil, direct(CodeInvalidRequest, "client_id is required")
	}
	c, err := s.deps.Clients.Get(ctx, tenant, clientID)
	if err != nil {
		return nil, nil, direct(CodeInvalidRequest, "unknown client_id")
	}

	if requestURI := values.Get("request_uri"); requestURI != "" {
		stored, err := s.deps.PAR.Consume(ctx, tenant, requestURI, clientID)
		if err != nil {
			return nil, nil, &AuthError{Code: CodeInvalidRequestURI, Description: "request_uri is unknown, expired or already used", cause: err}
		}
		// The pushed set is authoritative; only client_id survives from
		// the outer request (it was needed to consume).
		stored.Set("client_id", clientID)
		values = stored
	}

	if requestObject := values.Get("request"); requestObject != "" {
		overridden, err := s.applyRequestObject(ctx, c, values, requestObject)
		if err != nil {
			return nil, nil, err
		}
		values = overridden
	}

	return values, c, nil
}

// applyRequestObject decrypts (when JWE), verifies and merges a JAR request
// object. Request-object claims override same-named query parameters.
func (s *Service) applyRequestObject(ctx context.Context, c *client.Client, values url.Values, raw string) (url.Values, error) {
	// Five segments means JWE; the payload is a nested JWS.
	if strings.Count(raw, ".") == 4 {
		inner, err := s.deps.Ring.DecryptJWE(ctx, raw)
		if err != nil {
			return nil, &AuthError{Code: CodeInvalidRequestObject, Description: "request object decryption failed", cause: err}
		}
		raw = inner
	}

	claims, err := s.verifyRequestObject(ctx, c, raw)
	if err != nil {
		return nil, err
	}

	if objClientID, _ := claims["client_id"].(string); objClientID != "" && objClientID != c.ID {
		return nil, direct(CodeInvalidRequestObject, "request object client_id does not match")
	}

	merged := url.Values{}
	for k, vs := range values {
		merged[k] = vs
	}
	merged.Del("request")
	for k, v := range claims {
		switch k {
		case "iss", "aud", "exp", "iat", "nbf", "jti":
			continue
		}
		s, ok := stringifyClaim(v)
		if !ok {
			continue
		}
		merged.Set(k, s)
	}
	return merged, nil
}

// verifyRequestObject checks the request object signature against the
// client's keys, subject to the ring's algorithm policy. alg=none is only
// honored where the policy allows it.
func (s *Service) verifyRequestObject(ctx context.Context, c *client.Client, raw string) (jwt.MapClaims, error) {
	policy := s.deps.Ring.Policy()

	tok, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		alg := tok.Method.Alg()
		if err := policy.CheckAlg(alg, nil); err != nil {
			return nil, err
		}
		if strings.EqualFold(alg, "none") {
			return jwt.UnsafeAllowNoneSignatureType, nil
		}
		if s.deps.Keys == nil {
			return nil, fmt.Errorf("no key resolver configured")
		}
		kid, _ := tok.Header["kid"].(string)
		return s.deps.Keys.Resolve(ctx, c, kid)
	})
	if err != nil {
		return nil, &AuthError{Code: CodeInvalidRequestObject, Description: "request object rejected", cause: err}
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, direct(CodeInvalidRequestObject, "request object claims malformed")
	}
	return claims, nil
}

// parseClaimsParam decodes the OIDC claims request parameter.
func parseClaimsParam(raw string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// stringifyClaim renders a request-object claim as a query parameter value.
func stringifyClaim(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case map[string]any:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	default:
		return "", false
	}
}
