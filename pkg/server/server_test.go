// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/authcode"
	"github.com/edgewarden/edgewarden/pkg/authorize"
	"github.com/edgewarden/edgewarden/pkg/ciba"
	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/device"
	"github.com/edgewarden/edgewarden/pkg/introspect"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/par"
	"github.com/edgewarden/edgewarden/pkg/session"
	"github.com/edgewarden/edgewarden/pkg/token"
)

const (
	testIssuer = "https://id.example.com"
	testTenant = "default"
)

type testEnv struct {
	handler  http.Handler
	source   *client.MemorySource
	sessions *session.Store
	records  *token.Registry
	codes    *authcode.Store
	cfg      *config.Resolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend := actor.NewMemoryBackend()
	system := actor.NewSystem(backend)
	t.Cleanup(func() { _ = system.Close() })
	router := actor.NewRouter("test", 4)

	ring := keyring.New(keyring.NewGeneratingProvider("ES256"), keyring.Policy{Production: true})
	source := client.NewMemorySource()
	clients := client.NewRegistry(source, backend)
	keys, err := client.NewKeyResolver(context.Background(), nil)
	require.NoError(t, err)
	auth := client.NewAuthenticator(clients, keys, actor.NewJTIStore(backend, "assertion-jti"))
	cfg := config.NewResolver(backend, config.WithCacheTTL(time.Millisecond))
	sessions := session.NewStore(system, router)
	codes := authcode.NewStore(system, router)
	pars := par.NewStore(system, router)
	devices := device.NewStore(system, router)
	cibaStore := ciba.NewStore(system, router)
	records := token.NewRegistry(system, router)

	tokens, err := token.NewService(token.Deps{
		Issuer:  testIssuer,
		Ring:    ring,
		Records: records,
		Codes:   codes,
		Devices: devices,
		CIBA:    cibaStore,
		Config:  cfg,
	})
	require.NoError(t, err)

	authz, err := authorize.NewService(authorize.Deps{
		LoginURL: "https://login.example.com/start",
		Ring:     ring,
		Clients:  clients,
		PAR:      pars,
		Codes:    codes,
		Sessions: sessions,
		Config:   cfg,
		System:   system,
		Router:   router,
	})
	require.NoError(t, err)

	srv, err := New(Config{Issuer: testIssuer, DefaultTenant: testTenant}, Deps{
		Authorize:  authz,
		Tokens:     tokens,
		Introspect: introspect.NewService(testIssuer, ring, records, cfg),
		Clients:    clients,
		Auth:       auth,
		Registrar:  client.NewRegistrar(source),
		Ring:       ring,
		PAR:        pars,
		Devices:    devices,
		CIBA:       cibaStore,
		Sessions:   sessions,
		Records:    records,
		Config:     cfg,
		Backend:    backend,
	})
	require.NoError(t, err)

	return &testEnv{
		handler:  srv.Handler(),
		source:   source,
		sessions: sessions,
		records:  records,
		codes:    codes,
		cfg:      cfg,
	}
}

func (env *testEnv) registerClient(t *testing.T) *client.Client {
	t.Helper()
	c := &client.Client{
		ID:     "web-app",
		Tenant: testTenant,
		Secret: "s3cret",
		RedirectURIs: []string{
			"https://app.example.com/cb",
		},
		GrantTypes: []string{
			"authorization_code", "refresh_token", "client_credentials",
			token.GrantDeviceCode, token.GrantCIBA,
		},
		ResponseTypes:           []string{"code"},
		Scopes:                  []string{"openid", "profile", "offline_access"},
		TokenEndpointAuthMethod: client.AuthMethodSecretBasic,
	}
	require.NoError(t, env.source.Put(context.Background(), c))
	return c
}

func (env *testEnv) login(t *testing.T) *session.Session {
	t.Helper()
	sess, err := env.sessions.Create(context.Background(), testTenant, "user-1", time.Hour)
	require.NoError(t, err)
	return sess
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func formRequest(path string, form url.Values, authorize func(*http.Request)) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if authorize != nil {
		authorize(req)
	}
	return req
}

func basicAuth(req *http.Request) {
	req.SetBasicAuth("web-app", "s3cret")
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestDiscoveryDocument(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))

	doc := decodeJSON(t, w)
	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+"/token", doc["token_endpoint"])
	assert.Contains(t, doc["response_modes_supported"], "query")
	assert.Contains(t, doc["response_modes_supported"], "form_post")
	assert.Contains(t, doc["grant_types_supported"], token.GrantCIBA)
	assert.NotContains(t, doc, "require_pushed_authorization_requests")

	w = env.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"keys"`)
}

func TestPAREndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)

	form := url.Values{
		"response_type": {"code"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"scope":         {"openid"},
		"state":         {"xyz"},
	}
	w := env.do(formRequest("/as/par", form, basicAuth))
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeJSON(t, w)
	assert.NotEmpty(t, body["request_uri"])
	assert.Greater(t, body["expires_in"].(float64), float64(0))

	// Only POST is served.
	w = env.do(httptest.NewRequest(http.MethodGet, "/as/par", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	// Client authentication is mandatory.
	w = env.do(formRequest("/as/par", form, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)
	sess := env.login(t)

	verifier := keyring.GeneratePKCEVerifier()
	authReq := httptest.NewRequest(http.MethodGet, "/authorize?"+url.Values{
		"client_id":             {"web-app"},
		"redirect_uri":          {"https://app.example.com/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid offline_access"},
		"state":                 {"xyz"},
		"nonce":                 {"n-1"},
		"code_challenge":        {keyring.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode(), nil)
	authReq.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})

	w := env.do(authReq)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", loc.Query().Get("state"))

	w = env.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {verifier},
	}, basicAuth))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	body := decodeJSON(t, w)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.NotEmpty(t, body["id_token"])

	// The issued access token introspects as active.
	w = env.do(formRequest("/introspect", url.Values{
		"token": {body["access_token"].(string)},
	}, basicAuth))
	require.Equal(t, http.StatusOK, w.Code)
	intro := decodeJSON(t, w)
	assert.Equal(t, true, intro["active"])
	assert.Equal(t, "web-app", intro["client_id"])
}

func TestAuthorizeRedirectsToLoginWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+url.Values{
		"client_id":     {"web-app"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid"},
	}.Encode(), nil))
	require.Equal(t, http.StatusFound, w.Code)

	loginURL, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login.example.com", loginURL.Host)
	challengeID := loginURL.Query().Get("challenge_id")
	require.NotEmpty(t, challengeID)

	// After login, the callback resumes the request and mints a code.
	sess := env.login(t)
	cb := httptest.NewRequest(http.MethodGet, "/authorize/callback?challenge_id="+url.QueryEscape(challengeID), nil)
	cb.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	w = env.do(cb)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestIntrospectRequiresClientAuth(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)

	w := env.do(formRequest("/introspect", url.Values{"token": {"whatever"}}, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = env.do(formRequest("/introspect", url.Values{"token": {"whatever"}}, func(req *http.Request) {
		req.SetBasicAuth("web-app", "wrong")
	}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokeAnswers200ForUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)

	w := env.do(formRequest("/revoke", url.Values{"token": {"does-not-exist"}}, basicAuth))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserinfo(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)
	sess := env.login(t)

	// Issue a token through the full flow so the registry knows it.
	verifier := keyring.GeneratePKCEVerifier()
	authReq := httptest.NewRequest(http.MethodGet, "/authorize?"+url.Values{
		"client_id":             {"web-app"},
		"redirect_uri":          {"https://app.example.com/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid profile"},
		"code_challenge":        {keyring.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode(), nil)
	authReq.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	w := env.do(authReq)
	require.Equal(t, http.StatusFound, w.Code)
	loc, _ := url.Parse(w.Header().Get("Location"))

	w = env.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {verifier},
	}, basicAuth))
	require.Equal(t, http.StatusOK, w.Code)
	accessToken := decodeJSON(t, w)["access_token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	w = env.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeJSON(t, w)
	assert.Equal(t, "user-1", info["sub"])

	// Garbage tokens get a generic invalid_token challenge.
	req = httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	w = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")
}

func TestDeviceAuthorizationAndVerification(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)

	// No polling delay so the test can claim right after approval.
	require.NoError(t, env.cfg.Set(context.Background(), config.KeyDevicePollInterval, "0s"))

	w := env.do(formRequest("/device_authorization", url.Values{"scope": {"openid"}}, basicAuth))
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	deviceCode := body["device_code"].(string)
	userCode := body["user_code"].(string)
	assert.Contains(t, userCode, "-")
	assert.Equal(t, testIssuer+"/device", body["verification_uri"])

	// Polling before approval reports authorization_pending.
	w = env.do(formRequest("/token", url.Values{
		"grant_type":  {token.GrantDeviceCode},
		"device_code": {deviceCode},
	}, basicAuth))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "authorization_pending", decodeJSON(t, w)["error"])

	// The user approves on a second device.
	sess := env.login(t)
	verify := formRequest("/device/verify", url.Values{
		"user_code": {userCode},
		"decision":  {"approve"},
	}, nil)
	verify.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	w = env.do(verify)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(formRequest("/token", url.Values{
		"grant_type":  {token.GrantDeviceCode},
		"device_code": {deviceCode},
	}, basicAuth))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeJSON(t, w)["access_token"])
}

func TestBackchannelAuthorize(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t)

	w := env.do(formRequest("/bc-authorize", url.Values{
		"scope":      {"openid"},
		"login_hint": {"alice@example.com"},
	}, basicAuth))
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	authReqID := body["auth_req_id"].(string)
	require.NotEmpty(t, authReqID)
	assert.Greater(t, body["interval"].(float64), float64(0))

	// A missing or malformed hint is rejected.
	w = env.do(formRequest("/bc-authorize", url.Values{"scope": {"openid"}}, basicAuth))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The user approves, then the client claims the token.
	sess := env.login(t)
	decision := formRequest("/bc-authorize/decision", url.Values{
		"auth_req_id": {authReqID},
	}, nil)
	decision.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	w = env.do(decision)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(formRequest("/token", url.Values{
		"grant_type":  {token.GrantCIBA},
		"auth_req_id": {authReqID},
	}, basicAuth))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeJSON(t, w)["access_token"])
}

func TestDynamicRegistration(t *testing.T) {
	env := newTestEnv(t)

	// Discovery advertises the endpoint.
	w := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testIssuer+"/register", decodeJSON(t, w)["registration_endpoint"])

	body := strings.NewReader(`{
		"redirect_uris": ["https://newapp.example.com/cb"],
		"client_name": "New App",
		"scope": "openid"
	}`)
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	req.Header.Set("Content-Type", "application/json")
	w = env.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeJSON(t, w)
	clientID := resp["client_id"].(string)
	require.NotEmpty(t, clientID)
	assert.Equal(t, "none", resp["token_endpoint_auth_method"])

	// The registered client can immediately start an authorization request.
	sess := env.login(t)
	verifier := keyring.GeneratePKCEVerifier()
	authReq := httptest.NewRequest(http.MethodGet, "/authorize?"+url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"https://newapp.example.com/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"code_challenge":        {keyring.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode(), nil)
	authReq.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	w = env.do(authReq)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Query().Get("code"))

	// Bad metadata is rejected with an RFC 7591 error document.
	req = httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"redirect_uris":["ftp://x"]}`))
	w = env.do(req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_redirect_uri", decodeJSON(t, w)["error"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeJSON(t, w)["status"])
}
