// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorize implements the authorization endpoint: request
// resolution (pushed requests and inline request objects), the parameter
// validation pipeline, session-based authentication with suspension to an
// external login UI, and code minting.
package authorize

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/authcode"
	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/par"
	"github.com/edgewarden/edgewarden/pkg/session"
)

// challengeTTL bounds how long a suspended authorization waits for the
// login UI to complete.
const challengeTTL = 10 * time.Minute

// Deps are the collaborators of a Service.
type Deps struct {
	LoginURL string

	Ring     *keyring.Ring
	Clients  *client.Registry
	Keys     *client.KeyResolver
	PAR      *par.Store
	Codes    *authcode.Store
	Sessions *session.Store
	Config   *config.Resolver
	System   *actor.System
	Router   *actor.Router
}

// Service drives authorization requests.
type Service struct {
	deps Deps
}

// NewService creates a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Ring == nil || deps.Clients == nil || deps.Codes == nil ||
		deps.Sessions == nil || deps.Config == nil || deps.System == nil || deps.Router == nil {
		return nil, fmt.Errorf("authorize: missing required dependency")
	}
	return &Service{deps: deps}, nil
}

// Outcome is the result of an authorization attempt: either a suspension
// redirect to the login UI or a success response carrying the code.
type Outcome struct {
	Login   *LoginRedirect
	Success *Success
}

// LoginRedirect suspends the request towards the external login UI.
type LoginRedirect struct {
	URL         string
	ChallengeID string
}

// Success carries the authorization code back to the client.
type Success struct {
	RedirectURI  string
	ResponseMode string
	Code         string
	State        string
}

// Params is an incoming authorization request.
type Params struct {
	Tenant string

	// Values are the raw query or form parameters.
	Values url.Values

	// SID is the session cookie value, empty when absent.
	SID string
}

// Authorize resolves, validates and executes an authorization request.
// With a satisfactory session it mints a code immediately; otherwise it
// suspends to the login UI (or fails under prompt=none).
func (s *Service) Authorize(ctx context.Context, p Params) (*Outcome, error) {
	values, c, err := s.resolveParams(ctx, p.Tenant, p.Values)
	if err != nil {
		return nil, err
	}
	req, err := s.validate(ctx, p.Tenant, c, values)
	if err != nil {
		return nil, err
	}
	if !c.ResponseTypeAllowed(req.ResponseType) {
		return nil, req.redirectable(CodeUnauthorizedClient, "client is not registered for this response_type")
	}

	promptNone := slices.Contains(req.Prompt, "none")
	forceLogin := slices.Contains(req.Prompt, "login")

	maxAge := time.Duration(-1)
	if req.HasMaxAge {
		maxAge = req.MaxAge
	}

	if !forceLogin {
		sess, err := s.deps.Sessions.SilentAuth(ctx, p.Tenant, p.SID, maxAge, req.ACRValues)
		if err == nil {
			return s.mintOutcome(ctx, req, sess)
		}
		if promptNone {
			switch {
			case errors.Is(err, session.ErrLoginRequired):
				return nil, req.redirectable(CodeLoginRequired, "no satisfactory session")
			case errors.Is(err, session.ErrInteractionRequired):
				return nil, req.redirectable(CodeInteractionRequired, "session does not satisfy the requested acr")
			default:
				return nil, &AuthError{Code: CodeServerError, Description: "session lookup failed", cause: err}
			}
		}
		if !errors.Is(err, session.ErrLoginRequired) && !errors.Is(err, session.ErrInteractionRequired) {
			return nil, &AuthError{Code: CodeServerError, Description: "session lookup failed", cause: err}
		}
	} else if promptNone {
		return nil, req.redirectable(CodeInvalidRequest, "prompt cannot combine none with login")
	}

	return s.suspend(ctx, req)
}

// continuation is the suspended request persisted under a challenge_id.
type continuation struct {
	Request *Request `json:"request"`
}

func challengeKey(tenant, challengeID string) string {
	return "authz-challenge:" + tenant + ":" + challengeID
}

// suspend persists the validated request and redirects to the login UI.
func (s *Service) suspend(ctx context.Context, req *Request) (*Outcome, error) {
	challengeID := newChallengeID()
	encoded, err := json.Marshal(continuation{Request: req})
	if err != nil {
		return nil, &AuthError{Code: CodeServerError, Description: "failed to persist request", cause: err}
	}

	identity := s.deps.Router.RouteFor(req.Tenant, "authz-challenge:"+challengeID)
	_, err = s.deps.System.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		return nil, actor.StorageErr(store.Put(ctx, challengeKey(req.Tenant, challengeID), encoded, challengeTTL))
	})
	if err != nil {
		return nil, &AuthError{Code: CodeServerError, Description: "failed to persist request", cause: err}
	}

	loginURL, err := url.Parse(s.deps.LoginURL)
	if err != nil {
		return nil, &AuthError{Code: CodeServerError, Description: "login UI misconfigured", cause: err}
	}
	q := loginURL.Query()
	q.Set("challenge_id", challengeID)
	q.Set("tenant", req.Tenant)
	if req.LoginHint != "" {
		q.Set("login_hint", req.LoginHint)
	}
	loginURL.RawQuery = q.Encode()

	return &Outcome{Login: &LoginRedirect{URL: loginURL.String(), ChallengeID: challengeID}}, nil
}

// Resume completes a suspended authorization after the login UI finished.
// The challenge is single-use; the caller supplies the session the UI
// established.
func (s *Service) Resume(ctx context.Context, tenant, challengeID, sid string) (*Outcome, error) {
	identity := s.deps.Router.RouteFor(tenant, "authz-challenge:"+challengeID)
	result, err := s.deps.System.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		key := challengeKey(tenant, challengeID)
		raw, err := store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, actor.ErrNotFound) {
				return nil, direct(CodeInvalidRequest, "unknown or expired challenge_id")
			}
			return nil, actor.StorageErr(err)
		}
		if err := store.Delete(ctx, key); err != nil {
			return nil, actor.StorageErr(err)
		}
		cont := continuation{}
		if err := json.Unmarshal(raw, &cont); err != nil {
			return nil, actor.StorageErr(err)
		}
		return cont.Request, nil
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &AuthError{Code: CodeServerError, Description: "challenge lookup failed", cause: err}
	}
	req := result.(*Request)

	sess, err := s.deps.Sessions.Get(ctx, tenant, sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, req.redirectable(CodeLoginRequired, "login did not establish a session")
		}
		return nil, &AuthError{Code: CodeServerError, Description: "session lookup failed", cause: err}
	}

	return s.mintOutcome(ctx, req, sess)
}

// mintOutcome mints the code bound to the request and session.
func (s *Service) mintOutcome(ctx context.Context, req *Request, sess *session.Session) (*Outcome, error) {
	cfg := s.deps.Config
	ttl, err := cfg.AuthCodeTTL(ctx)
	if err != nil {
		return nil, &AuthError{Code: CodeServerError, Description: "configuration unavailable", cause: err}
	}
	maxPerUser, err := cfg.MaxCodesPerUser(ctx)
	if err != nil {
		return nil, &AuthError{Code: CodeServerError, Description: "configuration unavailable", cause: err}
	}

	code, err := s.deps.Codes.Mint(ctx, authcode.MintParams{
		Tenant:              req.Tenant,
		ClientID:            req.ClientID,
		UserID:              sess.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		ResponseType:        req.ResponseType,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		DPoPJKT:             req.DPoPJKT,
		Nonce:               req.Nonce,
		State:               req.State,
		Claims:              req.Claims,
		AuthTime:            sess.AuthTime,
		ACR:                 sess.ACR,
		AMR:                 sess.AMR,
		SID:                 sess.ID,
		TTL:                 ttl,
		MaxPerUser:          maxPerUser,
	})
	if err != nil {
		if errors.Is(err, authcode.ErrTooManyCodes) {
			return nil, req.redirectable(CodeAccessDenied, "too many pending authorizations")
		}
		return nil, &AuthError{Code: CodeServerError, Description: "failed to mint code", cause: err}
	}

	return &Outcome{Success: &Success{
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		Code:         code.Code,
		State:        req.State,
	}}, nil
}

func newChallengeID() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
