// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Registration error codes per RFC 7591 Section 3.2.2.
const (
	RegErrInvalidRedirectURI    = "invalid_redirect_uri"
	RegErrInvalidClientMetadata = "invalid_client_metadata"
)

// Limits on registration requests.
const (
	maxRedirectURIs     = 10
	maxClientNameLength = 256
)

// registrableGrantTypes are the grant types a dynamically registered public
// client may request. Grants that imply standing credentials or backchannel
// delivery need out-of-band registration.
var registrableGrantTypes = []string{
	"authorization_code",
	"refresh_token",
	"urn:ietf:params:oauth:grant-type:device_code",
}

// RegistrationError is an RFC 7591 error document.
type RegistrationError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return e.Code + ": " + e.Description
}

func regErr(code, description string) *RegistrationError {
	return &RegistrationError{Code: code, Description: description}
}

// RegistrationRequest is the client metadata of a dynamic registration
// (RFC 7591 Section 2). Only public clients can self-register; confidential
// clients are provisioned by the tenant operator.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// Registrar performs dynamic client registration against the authoritative
// source.
type Registrar struct {
	source Source
}

// NewRegistrar creates a Registrar.
func NewRegistrar(source Source) *Registrar {
	return &Registrar{source: source}
}

// Register validates the metadata and stores a new public client for the
// tenant. The returned client carries the generated client_id.
func (r *Registrar) Register(ctx context.Context, tenant string, req *RegistrationRequest) (*Client, error) {
	c, err := buildClient(tenant, req)
	if err != nil {
		return nil, err
	}
	if err := r.source.Put(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}
	return c, nil
}

func buildClient(tenant string, req *RegistrationRequest) (*Client, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, regErr(RegErrInvalidRedirectURI, "redirect_uris is required")
	}
	if len(req.RedirectURIs) > maxRedirectURIs {
		return nil, regErr(RegErrInvalidRedirectURI, fmt.Sprintf("too many redirect_uris (maximum %d)", maxRedirectURIs))
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	if len(req.ClientName) > maxClientNameLength {
		return nil, regErr(RegErrInvalidClientMetadata, fmt.Sprintf("client_name too long (maximum %d characters)", maxClientNameLength))
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodNone
	}
	if authMethod != AuthMethodNone {
		return nil, regErr(RegErrInvalidClientMetadata, "token_endpoint_auth_method must be 'none' for self-registered clients")
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, regErr(RegErrInvalidClientMetadata, "grant_types must include 'authorization_code'")
	}
	for _, gt := range grantTypes {
		if !slices.Contains(registrableGrantTypes, gt) {
			return nil, regErr(RegErrInvalidClientMetadata, "unsupported grant_type: "+gt)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, regErr(RegErrInvalidClientMetadata, "unsupported response_type: "+rt)
		}
	}

	return &Client{
		ID:                      uuid.NewString(),
		Tenant:                  tenant,
		Name:                    req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  strings.Fields(req.Scope),
		TokenEndpointAuthMethod: AuthMethodNone,
	}, nil
}

// validateRedirectURI enforces the RFC 8252 policy for registered URIs:
// https anywhere, http only on loopback hosts, nothing else.
func validateRedirectURI(raw string) *RegistrationError {
	u, err := url.Parse(raw)
	if err != nil {
		return regErr(RegErrInvalidRedirectURI, "redirect_uri is not a valid URI: "+raw)
	}
	if u.Fragment != "" {
		return regErr(RegErrInvalidRedirectURI, "redirect_uri must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return regErr(RegErrInvalidRedirectURI, "redirect_uri has no host")
		}
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return regErr(RegErrInvalidRedirectURI, "http redirect_uris are only allowed on loopback hosts")
	default:
		return regErr(RegErrInvalidRedirectURI, "unsupported redirect_uri scheme: "+u.Scheme)
	}
}
