// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgewarden/edgewarden/pkg/keyring"
)

// AssertionTypeJWTBearer is the client_assertion_type for private_key_jwt
// (RFC 7523).
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// maxAssertionLifetime caps exp-iat of a client assertion.
const maxAssertionLifetime = 10 * time.Minute

// assertionAlgorithms are accepted for client assertions. Symmetric
// algorithms are excluded.
var assertionAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// Authentication errors. All map to invalid_client at the protocol layer.
var (
	ErrAuthFailed         = errors.New("client: authentication failed")
	ErrAssertionReplayed  = errors.New("client: assertion jti replayed")
	ErrPublicNotPermitted = errors.New("client: public clients not permitted at this endpoint")
)

// FAPIViolation describes a client that does not meet the FAPI 2.0 profile.
type FAPIViolation struct {
	Reason string
}

// Error implements the error interface.
func (e *FAPIViolation) Error() string {
	return "client does not meet the FAPI profile: " + e.Reason
}

// Authenticator authenticates clients at the PAR and token endpoints.
type Authenticator struct {
	registry *Registry
	keys     *KeyResolver

	// jtis tracks assertion jtis per client for replay protection.
	jtis keyring.JTIStore
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(registry *Registry, keys *KeyResolver, jtis keyring.JTIStore) *Authenticator {
	return &Authenticator{registry: registry, keys: keys, jtis: jtis}
}

// Request captures the authentication material of an endpoint request.
type Request struct {
	Tenant      string
	EndpointURL string

	// ClientID from the form body, possibly empty with an assertion.
	ClientID string

	// Basic auth credentials, when presented.
	BasicUser  string
	BasicPass  string
	HasBasic   bool
	FormSecret string

	AssertionType string
	Assertion     string

	// AllowPublic permits unauthenticated public clients. The authorization
	// endpoint allows them; FAPI forbids them.
	AllowPublic bool
}

// FromHTTP extracts authentication material from a form-encoded request.
// The caller must have called ParseForm.
func FromHTTP(r *http.Request, tenant, endpointURL string, allowPublic bool) Request {
	req := Request{
		Tenant:        tenant,
		EndpointURL:   endpointURL,
		ClientID:      r.PostFormValue("client_id"),
		FormSecret:    r.PostFormValue("client_secret"),
		AssertionType: r.PostFormValue("client_assertion_type"),
		Assertion:     r.PostFormValue("client_assertion"),
		AllowPublic:   allowPublic,
	}
	if user, pass, ok := r.BasicAuth(); ok {
		req.BasicUser = user
		req.BasicPass = pass
		req.HasBasic = true
	}
	return req
}

// Authenticate resolves and authenticates the client. Order: private_key_jwt
// assertion, then registered secret, then public fallback when permitted.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*Client, error) {
	if req.AssertionType == AssertionTypeJWTBearer && req.Assertion != "" {
		return a.verifyAssertion(ctx, req)
	}

	clientID := req.ClientID
	secret := req.FormSecret
	if req.HasBasic {
		clientID = req.BasicUser
		secret = req.BasicPass
	}
	if clientID == "" {
		return nil, fmt.Errorf("%w: missing client_id", ErrAuthFailed)
	}

	c, err := a.registry.Get(ctx, req.Tenant, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrAuthFailed)
		}
		return nil, err
	}

	if c.Secret != "" {
		if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
			return nil, fmt.Errorf("%w: bad credentials", ErrAuthFailed)
		}
		return c, nil
	}

	if c.TokenEndpointAuthMethod == AuthMethodPrivateKeyJWT {
		return nil, fmt.Errorf("%w: client must present a client_assertion", ErrAuthFailed)
	}

	if !req.AllowPublic || c.Confidential() {
		return nil, ErrPublicNotPermitted
	}
	return c, nil
}

func (a *Authenticator) verifyAssertion(ctx context.Context, req Request) (*Client, error) {
	clientID := req.ClientID
	if clientID == "" {
		// The assertion itself names the client; peek at sub before the
		// signature can be checked against that client's keys.
		unverified, _, err := jwt.NewParser().ParseUnverified(req.Assertion, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("%w: malformed assertion", ErrAuthFailed)
		}
		sub, err := unverified.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, fmt.Errorf("%w: assertion missing sub", ErrAuthFailed)
		}
		clientID = sub
	}

	c, err := a.registry.Get(ctx, req.Tenant, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrAuthFailed)
		}
		return nil, err
	}

	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return a.keys.Resolve(ctx, c, kid)
	}

	token, err := jwt.Parse(req.Assertion, keyfunc,
		jwt.WithValidMethods(assertionAlgorithms),
		jwt.WithIssuer(clientID),
		jwt.WithSubject(clientID),
		jwt.WithAudience(req.EndpointURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrAuthFailed)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: assertion missing exp", ErrAuthFailed)
	}
	if remaining := time.Until(exp.Time); remaining > maxAssertionLifetime {
		return nil, fmt.Errorf("%w: assertion lifetime exceeds %s", ErrAuthFailed, maxAssertionLifetime)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: assertion missing jti", ErrAuthFailed)
	}
	if err := a.jtis.CheckAndStore(ctx, clientID, jti, time.Until(exp.Time)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssertionReplayed, err)
	}

	return c, nil
}

// CheckFAPI enforces the FAPI 2.0 client profile: private_key_jwt,
// confidential, sender-constrained tokens.
func CheckFAPI(c *Client) error {
	if !c.Confidential() {
		return &FAPIViolation{Reason: "public clients are not allowed"}
	}
	if c.TokenEndpointAuthMethod != AuthMethodPrivateKeyJWT {
		return &FAPIViolation{Reason: "token_endpoint_auth_method must be private_key_jwt"}
	}
	if !c.RequireDPoP {
		return &FAPIViolation{Reason: "access tokens must be sender-constrained"}
	}
	return nil
}
