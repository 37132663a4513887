// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/authcode"
	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/par"
	"github.com/edgewarden/edgewarden/pkg/session"
)

const (
	testTenant   = "acme"
	testLoginURL = "https://login.acme.example.com/challenge"
)

type testEnv struct {
	service  *Service
	clients  *client.Registry
	source   *client.MemorySource
	sessions *session.Store
	pars     *par.Store
	codes    *authcode.Store
	cfg      *config.Resolver
}

func newTestEnv(t *testing.T, policy keyring.Policy) *testEnv {
	t.Helper()

	backend := actor.NewMemoryBackend()
	system := actor.NewSystem(backend)
	t.Cleanup(func() { _ = system.Close() })
	router := actor.NewRouter("test", 4)

	source := client.NewMemorySource()
	clients := client.NewRegistry(source, backend)
	sessions := session.NewStore(system, router)
	pars := par.NewStore(system, router)
	codes := authcode.NewStore(system, router)
	cfg := config.NewResolver(backend, config.WithCacheTTL(time.Millisecond))

	service, err := NewService(Deps{
		LoginURL: testLoginURL,
		Ring:     keyring.New(keyring.NewGeneratingProvider("ES256"), policy),
		Clients:  clients,
		PAR:      pars,
		Codes:    codes,
		Sessions: sessions,
		Config:   cfg,
		System:   system,
		Router:   router,
	})
	require.NoError(t, err)

	return &testEnv{
		service:  service,
		clients:  clients,
		source:   source,
		sessions: sessions,
		pars:     pars,
		codes:    codes,
		cfg:      cfg,
	}
}

func registerClient(t *testing.T, env *testEnv) *client.Client {
	t.Helper()
	c := &client.Client{
		ID:                      "web-app",
		Tenant:                  testTenant,
		Secret:                  "s3cret",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code", "code id_token"},
		Scopes:                  []string{"openid", "profile"},
		TokenEndpointAuthMethod: client.AuthMethodSecretBasic,
	}
	require.NoError(t, env.source.Put(context.Background(), c))
	return c
}

func loggedInSession(t *testing.T, env *testEnv, opts ...session.CreateOption) *session.Session {
	t.Helper()
	sess, err := env.sessions.Create(context.Background(), testTenant, "user-1", time.Hour, opts...)
	require.NoError(t, err)
	return sess
}

func baseParams() url.Values {
	return url.Values{
		"client_id":     {"web-app"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid profile"},
		"state":         {"xyz"},
	}
}

func authErr(t *testing.T, err error) *AuthError {
	t.Helper()
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	return ae
}

func TestAuthorizeWithSessionMintsCode(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true})
	registerClient(t, env)
	sess := loggedInSession(t, env)
	ctx := context.Background()

	out, err := env.service.Authorize(ctx, Params{Tenant: testTenant, Values: baseParams(), SID: sess.ID})
	require.NoError(t, err)
	require.NotNil(t, out.Success)
	assert.Equal(t, "https://app.example.com/cb", out.Success.RedirectURI)
	assert.Equal(t, "xyz", out.Success.State)
	assert.NotEmpty(t, out.Success.Code)

	// The minted code carries the session's authentication context.
	code, err := env.codes.Consume(ctx, authcode.ConsumeParams{
		Tenant:   testTenant,
		Code:     out.Success.Code,
		ClientID: "web-app",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", code.UserID)
	assert.Equal(t, sess.ID, code.SID)
	assert.Equal(t, "code", code.ResponseType)
}

func TestAuthorizeWithoutSessionSuspends(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true})
	registerClient(t, env)
	ctx := context.Background()

	out, err := env.service.Authorize(ctx, Params{Tenant: testTenant, Values: baseParams()})
	require.NoError(t, err)
	require.NotNil(t, out.Login)
	assert.NotEmpty(t, out.Login.ChallengeID)

	loginURL, err := url.Parse(out.Login.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Login.URL, testLoginURL))
	assert.Equal(t, out.Login.ChallengeID, loginURL.Query().Get("challenge_id"))
	assert.Equal(t, testTenant, loginURL.Query().Get("tenant"))

	// The login UI authenticates the user and the request resumes.
	sess := loggedInSession(t, env)
	resumed, err := env.service.Resume(ctx, testTenant, out.Login.ChallengeID, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed.Success)
	assert.Equal(t, "xyz", resumed.Success.State)

	// Challenges are single-use.
	_, err = env.service.Resume(ctx, testTenant, out.Login.ChallengeID, sess.ID)
	assert.Equal(t, CodeInvalidRequest, authErr(t, err).Code)
}

func TestPromptNoneWithoutSession(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true})
	registerClient(t, env)

	params := baseParams()
	params.Set("prompt", "none")
	_, err := env.service.Authorize(context.Background(), Params{Tenant: testTenant, Values: params})
	ae := authErr(t, err)
	assert.Equal(t, CodeLoginRequired, ae.Code)
	assert.True(t, ae.Redirectable)
	assert.Equal(t, "xyz", ae.State)
}

func TestPromptNoneACRMismatch(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true})
	registerClient(t, env)
	sess := loggedInSession(t, env, session.WithACR("urn:edgewarden:acr:password"))

	params := baseParams()
	params.Set("prompt", "none")
	params.Set("acr_values", "urn:edgewarden:acr:mfa")
	_, err := env.service.Authorize(context.Background(), Params{Tenant: testTenant, Values: params, SID: sess.ID})
	assert.Equal(t, CodeInteractionRequired, authErr(t, err).Code)
}

func TestValidationPipeline(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true})
	registerClient(t, env)
	sess := loggedInSession(t, env)
	ctx := context.Background()

	run := func(mutate func(url.Values)) error {
		params := baseParams()
		mutate(params)
		_, err := env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params, SID: sess.ID})
		return err
	}

	t.Run("unknown client", func(t *testing.T) {
		err := run(func(v url.Values) { v.Set("client_id", "ghost") })
		ae := authErr(t, err)
		assert.Equal(t, CodeInvalidRequest, ae.Code)
		assert.False(t, ae.Redirectable)
	})

	t.Run("unregistered redirect_uri", func(t *testing.T) {
		err := run(func(v url.Values) { v.Set("redirect_uri", "https://evil.example.com/cb") })
		ae := authErr(t, err)
		assert.Equal(t, CodeInvalidRequest, ae.Code)
		assert.False(t, ae.Redirectable)
	})

	t.Run("redirect_uri normalization", func(t *testing.T) {
		// Default port and case differences normalize to the registered URI.
		params := baseParams()
		params.Set("redirect_uri", "HTTPS://App.Example.com:443/cb")
		out, err := env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params, SID: sess.ID})
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/cb", out.Success.RedirectURI)
	})

	t.Run("id_token only response type", func(t *testing.T) {
		err := run(func(v url.Values) { v.Set("response_type", "id_token") })
		ae := authErr(t, err)
		assert.Equal(t, CodeUnsupportedResponseType, ae.Code)
		assert.True(t, ae.Redirectable)
	})

	t.Run("duplicated response type token", func(t *testing.T) {
		err := run(func(v url.Values) { v.Set("response_type", "code code") })
		ae := authErr(t, err)
		assert.Equal(t, CodeUnsupportedResponseType, ae.Code)
		assert.True(t, ae.Redirectable)
	})

	t.Run("fragment mode with code", func(t *testing.T) {
		err := run(func(v url.Values) { v.Set("response_mode", "fragment") })
		assert.Equal(t, CodeInvalidRequest, authErr(t, err).Code)
	})

	t.Run("unknown response mode", func(t *testing.T) {
		err := run(func(v url.Values) { v.Set("response_mode", "web_message") })
		assert.Equal(t, CodeInvalidRequest, authErr(t, err).Code)
	})

	t.Run("challenge without method", func(t *testing.T) {
		err := run(func(v url.Values) { v.Set("code_challenge", strings.Repeat("a", 43)) })
		assert.Equal(t, CodeInvalidRequest, authErr(t, err).Code)
	})

	t.Run("challenge length bounds", func(t *testing.T) {
		for length, wantErr := range map[int]bool{42: true, 43: false, 128: false, 129: true} {
			err := run(func(v url.Values) {
				v.Set("code_challenge", strings.Repeat("a", length))
				v.Set("code_challenge_method", "S256")
			})
			if wantErr {
				assert.Equal(t, CodeInvalidRequest, authErr(t, err).Code, "length %d", length)
			} else {
				assert.NoError(t, err, "length %d", length)
			}
		}
	})
}

func TestCanonicalResponseType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "code", want: "code", ok: true},
		{raw: "token code", want: "code token", ok: true},
		{raw: "id_token code token", want: "code id_token token", ok: true},
		{raw: "code code", ok: false},
		{raw: "code code id_token", ok: false},
		{raw: "id_token", ok: false},
		{raw: "token", ok: false},
		{raw: "", ok: false},
	}
	for _, tc := range cases {
		got, err := canonicalResponseType(tc.raw)
		if tc.ok {
			require.NoError(t, err, tc.raw)
			assert.Equal(t, tc.want, got, tc.raw)
		} else {
			assert.Error(t, err, tc.raw)
		}
	}
}

func TestFAPIRequiresS256(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true})
	registerClient(t, env)
	sess := loggedInSession(t, env)
	ctx := context.Background()

	require.NoError(t, env.cfg.Set(ctx, config.KeyFAPIEnabled, "true"))

	params := baseParams()
	_, err := env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params, SID: sess.ID})
	assert.Equal(t, CodeInvalidRequest, authErr(t, err).Code)

	params.Set("code_challenge", strings.Repeat("a", 43))
	params.Set("code_challenge_method", "plain")
	_, err = env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params, SID: sess.ID})
	assert.Equal(t, CodeInvalidRequest, authErr(t, err).Code)

	params.Set("code_challenge_method", "S256")
	_, err = env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params, SID: sess.ID})
	assert.NoError(t, err)
}

func TestAuthorizeViaPushedRequest(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true})
	registerClient(t, env)
	sess := loggedInSession(t, env)
	ctx := context.Background()

	requestURI, _, err := env.pars.Push(ctx, par.PushParams{
		Tenant:   testTenant,
		ClientID: "web-app",
		Params:   baseParams(),
		Expiry:   time.Minute,
	})
	require.NoError(t, err)

	values := url.Values{
		"client_id":   {"web-app"},
		"request_uri": {requestURI},
	}
	out, err := env.service.Authorize(ctx, Params{Tenant: testTenant, Values: values, SID: sess.ID})
	require.NoError(t, err)
	require.NotNil(t, out.Success)
	assert.Equal(t, "xyz", out.Success.State)

	// request_uri is single-use.
	_, err = env.service.Authorize(ctx, Params{Tenant: testTenant, Values: values, SID: sess.ID})
	assert.Equal(t, CodeInvalidRequestURI, authErr(t, err).Code)
}

func TestRequestObjectOverridesQuery(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{AllowNoneAlgorithm: true})
	registerClient(t, env)
	sess := loggedInSession(t, env)
	ctx := context.Background()

	// Unsigned request object, accepted only outside production with
	// allow_none enabled.
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"client_id": "web-app",
		"state":     "from-request-object",
		"scope":     "openid",
	})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	params := baseParams()
	params.Set("request", raw)
	out, err := env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params, SID: sess.ID})
	require.NoError(t, err)
	assert.Equal(t, "from-request-object", out.Success.State)
}

func TestRequestObjectAlgNoneRejectedInProduction(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{Production: true, AllowNoneAlgorithm: true})
	registerClient(t, env)
	ctx := context.Background()

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"client_id": "web-app"})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	params := baseParams()
	params.Set("request", raw)
	_, err = env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params})
	assert.Equal(t, CodeInvalidRequestObject, authErr(t, err).Code)
}

func TestRequestObjectClientIDMismatch(t *testing.T) {
	env := newTestEnv(t, keyring.Policy{AllowNoneAlgorithm: true})
	registerClient(t, env)
	ctx := context.Background()

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"client_id": "other-app"})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	params := baseParams()
	params.Set("request", raw)
	_, err = env.service.Authorize(ctx, Params{Tenant: testTenant, Values: params})
	assert.Equal(t, CodeInvalidRequestObject, authErr(t, err).Code)
}

func TestWriteSuccessQueryMode(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "https://id.example.com/authorize", nil)

	err := WriteSuccess(w, r, &Success{
		RedirectURI:  "https://app.example.com/cb",
		ResponseMode: ModeQuery,
		Code:         "abc123",
		State:        "xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, 302, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", loc.Query().Get("code"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
}

func TestWriteSuccessFormPostEscapesState(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "https://id.example.com/authorize", nil)

	err := WriteSuccess(w, r, &Success{
		RedirectURI:  "https://app.example.com/cb",
		ResponseMode: ModeFormPost,
		Code:         "abc123",
		State:        `<script>alert(1)</script>`,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "<!DOCTYPE html>")
	assert.Contains(t, body, `name="viewport"`)
	assert.Contains(t, body, "Redirecting")
	assert.Contains(t, body, "document.getElementById('auth-form').submit()")
	assert.Contains(t, body, `value="&lt;script&gt;alert(1)&lt;/script&gt;"`)
	assert.NotContains(t, body, "<script>alert(1)</script>")
}

func TestWriteErrorDirectAndRedirect(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "https://id.example.com/authorize", nil)

	require.NoError(t, WriteError(w, r, direct(CodeInvalidRequest, "client_id is required")))
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	w = httptest.NewRecorder()
	require.NoError(t, WriteError(w, r, &AuthError{
		Code:         CodeLoginRequired,
		Redirectable: true,
		RedirectURI:  "https://app.example.com/cb",
		ResponseMode: ModeQuery,
		State:        "xyz",
	}))
	assert.Equal(t, 302, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login_required", loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
}
