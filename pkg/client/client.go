// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package client holds the OAuth client registry: metadata storage with
// read-through caching, and client authentication for the PAR and token
// endpoints.
package client

import (
	"encoding/json"
	"errors"
	"slices"
)

// Token endpoint authentication methods.
const (
	AuthMethodPrivateKeyJWT = "private_key_jwt"
	AuthMethodSecretBasic   = "client_secret_basic"
	AuthMethodSecretPost    = "client_secret_post"
	AuthMethodNone          = "none"
)

// CIBA token delivery modes.
const (
	CIBAModePoll = "poll"
	CIBAModePing = "ping"
)

// ErrNotFound is returned when a client_id is not registered.
var ErrNotFound = errors.New("client: not registered")

// Client is the registered metadata of an OAuth client. Instances are
// treated as immutable once loaded; updates go through Registry.Save.
type Client struct {
	ID     string `json:"client_id"`
	Tenant string `json:"tenant"`
	Name   string `json:"client_name,omitempty"`

	// Secret is empty for public clients and clients using private_key_jwt.
	Secret string `json:"client_secret,omitempty"`

	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`

	// Scopes is the allow-list applied to every grant.
	Scopes []string `json:"scopes"`

	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// JWKS is an inline key set. JWKSURI takes precedence when both are set.
	JWKS    json.RawMessage `json:"jwks,omitempty"`
	JWKSURI string          `json:"jwks_uri,omitempty"`

	IDTokenSignedResponseAlg    string `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg string `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc string `json:"id_token_encrypted_response_enc,omitempty"`

	// RequireDPoP forces sender-constrained access tokens for this client.
	RequireDPoP bool `json:"require_dpop,omitempty"`

	CIBATokenDeliveryMode    string `json:"ciba_token_delivery_mode,omitempty"`
	CIBANotificationEndpoint string `json:"ciba_notification_endpoint,omitempty"`
}

// Confidential reports whether the client can authenticate itself.
func (c *Client) Confidential() bool {
	return c.TokenEndpointAuthMethod != AuthMethodNone && c.TokenEndpointAuthMethod != ""
}

// GrantAllowed reports whether the client may use the given grant type.
func (c *Client) GrantAllowed(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// ResponseTypeAllowed reports whether the client may use the given
// response_type.
func (c *Client) ResponseTypeAllowed(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// RedirectURIRegistered reports whether the exact normalized URI is in the
// registered set. Normalization happens at the authorization endpoint; the
// registry compares for equality only.
func (c *Client) RedirectURIRegistered(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// FilterScopes returns the intersection of requested scopes with the
// client's allow-list, preserving request order.
func (c *Client) FilterScopes(requested []string) []string {
	if len(c.Scopes) == 0 {
		return nil
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(c.Scopes, s) {
			out = append(out, s)
		}
	}
	return out
}

// EncryptsIDTokens reports whether id_tokens for this client must be
// encrypted after signing.
func (c *Client) EncryptsIDTokens() bool {
	return c.IDTokenEncryptedResponseAlg != "" && c.IDTokenEncryptedResponseEnc != ""
}
