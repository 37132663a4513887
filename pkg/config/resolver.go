// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

// DefaultCacheTTL bounds how stale a resolved value can be after a
// write-through update from another instance.
const DefaultCacheTTL = 10 * time.Second

// Dynamic setting keys.
const (
	KeyAuthCodeTTL               = "auth_code_ttl"
	KeyMaxCodesPerUser           = "max_codes_per_user"
	KeyAccessTokenTTL            = "access_token_ttl"
	KeyRefreshTokenTTL           = "refresh_token_ttl"
	KeyIDTokenTTL                = "id_token_ttl"
	KeySessionTTL                = "session_ttl"
	KeyIntrospectionCacheTTL     = "introspection_cache_ttl"
	KeyIntrospectionCacheEnabled = "introspection_cache_enabled"
	KeyFAPIEnabled               = "fapi_enabled"
	KeyACRValues                 = "acr_values"
	KeyPARExpiry                 = "par_expiry"
	KeyAllowNoneAlgorithm        = "allow_none_algorithm"
	KeyRateLimitProfile          = "rate_limit_profile"
	KeyDeviceCodeTTL             = "device_code_ttl"
	KeyDevicePollInterval        = "device_poll_interval"
	KeyCIBAExpiry                = "ciba_expiry"
	KeyCIBAPollInterval          = "ciba_poll_interval"
)

// compiled defaults, the last resolution layer.
var defaults = map[string]string{
	KeyAuthCodeTTL:               "60s",
	KeyMaxCodesPerUser:           "100",
	KeyAccessTokenTTL:            "15m",
	KeyRefreshTokenTTL:           "720h",
	KeyIDTokenTTL:                "15m",
	KeySessionTTL:                "24h",
	KeyIntrospectionCacheTTL:     "60s",
	KeyIntrospectionCacheEnabled: "true",
	KeyFAPIEnabled:               "false",
	KeyACRValues:                 "urn:edgewarden:acr:password,urn:edgewarden:acr:mfa",
	KeyPARExpiry:                 "600s",
	KeyAllowNoneAlgorithm:        "false",
	KeyRateLimitProfile:          "moderate",
	KeyDeviceCodeTTL:             "10m",
	KeyDevicePollInterval:        "5s",
	KeyCIBAExpiry:                "10m",
	KeyCIBAPollInterval:          "5s",
}

// kvKeyPrefix namespaces dynamic settings inside the shared KV store.
const kvKeyPrefix = "config:"

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

// Resolver resolves dynamic settings through cache, KV store, environment
// and compiled defaults, in that order. Safe for concurrent use.
type Resolver struct {
	kv       actor.Backend
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL overrides DefaultCacheTTL. Tests use short TTLs.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.cacheTTL = ttl }
}

// NewResolver creates a Resolver over the given KV backend.
func NewResolver(kv actor.Backend, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		kv:       kv,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get resolves a setting by key. The resolved value is cached for the cache
// TTL regardless of which layer produced it.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	now := time.Now()

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && now.Sub(entry.fetchedAt) < r.cacheTTL {
		r.mu.Unlock()
		return entry.value, nil
	}
	r.mu.Unlock()

	value, err := r.resolve(ctx, key)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{value: value, fetchedAt: now}
	r.mu.Unlock()
	return value, nil
}

func (r *Resolver) resolve(ctx context.Context, key string) (string, error) {
	raw, err := r.kv.Get(ctx, kvKeyPrefix+key)
	switch {
	case err == nil:
		return string(raw), nil
	case !errors.Is(err, actor.ErrNotFound):
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}

	if env, ok := os.LookupEnv(envNameFor(key)); ok {
		return env, nil
	}

	if def, ok := defaults[key]; ok {
		return def, nil
	}
	return "", fmt.Errorf("unknown setting %s", key)
}

// Set writes a setting through to the KV store and drops the cache entry.
// Other instances pick the value up within their cache TTL.
func (r *Resolver) Set(ctx context.Context, key, value string) error {
	if _, ok := defaults[key]; !ok && !strings.HasPrefix(key, "tenant:") {
		return fmt.Errorf("unknown setting %s", key)
	}
	if err := r.kv.Put(ctx, kvKeyPrefix+key, []byte(value), 0); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}

	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	return nil
}

// Unset removes a KV override so the environment or compiled default applies
// again.
func (r *Resolver) Unset(ctx context.Context, key string) error {
	if err := r.kv.Delete(ctx, kvKeyPrefix+key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	return nil
}

func envNameFor(key string) string {
	upper := strings.ToUpper(strings.NewReplacer(":", "_", "-", "_").Replace(key))
	return EnvPrefix + upper
}

// Duration resolves a setting as a time.Duration.
func (r *Resolver) Duration(ctx context.Context, key string) (time.Duration, error) {
	value, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not a duration: %w", key, err)
	}
	return d, nil
}

// Int resolves a setting as an int.
func (r *Resolver) Int(ctx context.Context, key string) (int, error) {
	value, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", key, err)
	}
	return n, nil
}

// Bool resolves a setting as a bool.
func (r *Resolver) Bool(ctx context.Context, key string) (bool, error) {
	value, err := r.Get(ctx, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("setting %s is not a boolean: %w", key, err)
	}
	return b, nil
}

// Strings resolves a comma-separated setting as a slice.
func (r *Resolver) Strings(ctx context.Context, key string) ([]string, error) {
	value, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

// Typed accessors used across the token and authorization paths.

// AuthCodeTTL is the lifetime of a minted authorization code.
func (r *Resolver) AuthCodeTTL(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyAuthCodeTTL)
}

// MaxCodesPerUser caps live authorization codes per user.
func (r *Resolver) MaxCodesPerUser(ctx context.Context) (int, error) {
	return r.Int(ctx, KeyMaxCodesPerUser)
}

// AccessTokenTTL is the access token lifetime.
func (r *Resolver) AccessTokenTTL(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyAccessTokenTTL)
}

// RefreshTokenTTL is the refresh token lifetime.
func (r *Resolver) RefreshTokenTTL(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyRefreshTokenTTL)
}

// IDTokenTTL is the id_token lifetime.
func (r *Resolver) IDTokenTTL(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyIDTokenTTL)
}

// SessionTTL is the browser session lifetime.
func (r *Resolver) SessionTTL(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeySessionTTL)
}

// IntrospectionCacheTTL is clamped to [1s, 1h].
func (r *Resolver) IntrospectionCacheTTL(ctx context.Context) (time.Duration, error) {
	ttl, err := r.Duration(ctx, KeyIntrospectionCacheTTL)
	if err != nil {
		return 0, err
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if ttl > time.Hour {
		ttl = time.Hour
	}
	return ttl, nil
}

// IntrospectionCacheEnabled reports whether introspection caching is on.
func (r *Resolver) IntrospectionCacheEnabled(ctx context.Context) (bool, error) {
	return r.Bool(ctx, KeyIntrospectionCacheEnabled)
}

// FAPIEnabled reports whether the FAPI 2.0 profile is enforced.
func (r *Resolver) FAPIEnabled(ctx context.Context) (bool, error) {
	return r.Bool(ctx, KeyFAPIEnabled)
}

// ACRValues is the advertised acr_values_supported list.
func (r *Resolver) ACRValues(ctx context.Context) ([]string, error) {
	return r.Strings(ctx, KeyACRValues)
}

// PARExpiry is the pushed authorization request lifetime, capped at 600s,
// or 60s when the FAPI profile is enforced.
func (r *Resolver) PARExpiry(ctx context.Context) (time.Duration, error) {
	expiry, err := r.Duration(ctx, KeyPARExpiry)
	if err != nil {
		return 0, err
	}
	limit := 600 * time.Second
	if fapi, err := r.FAPIEnabled(ctx); err == nil && fapi {
		limit = 60 * time.Second
	}
	if expiry > limit || expiry <= 0 {
		expiry = limit
	}
	return expiry, nil
}

// AllowNoneAlgorithm reports whether alg=none is permitted. The key ring
// still rejects it in production regardless of this setting.
func (r *Resolver) AllowNoneAlgorithm(ctx context.Context) (bool, error) {
	return r.Bool(ctx, KeyAllowNoneAlgorithm)
}

// RateLimitProfile is the active rate-limit profile name.
func (r *Resolver) RateLimitProfile(ctx context.Context) (string, error) {
	return r.Get(ctx, KeyRateLimitProfile)
}

// DeviceCodeTTL is the device authorization artifact lifetime.
func (r *Resolver) DeviceCodeTTL(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyDeviceCodeTTL)
}

// DevicePollInterval is the minimum device token polling interval.
func (r *Resolver) DevicePollInterval(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyDevicePollInterval)
}

// CIBAExpiry is the backchannel authentication request lifetime.
func (r *Resolver) CIBAExpiry(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyCIBAExpiry)
}

// CIBAPollInterval is the minimum CIBA token polling interval.
func (r *Resolver) CIBAPollInterval(ctx context.Context) (time.Duration, error) {
	return r.Duration(ctx, KeyCIBAPollInterval)
}

// TenantScope resolves tenant-scoped overrides before global values. A
// tenant override lives under the KV key config:tenant:{tenant}:{key}.
type TenantScope struct {
	r      *Resolver
	tenant string
}

// ForTenant returns a view of the resolver that prefers per-tenant
// overrides.
func (r *Resolver) ForTenant(tenant string) *TenantScope {
	return &TenantScope{r: r, tenant: tenant}
}

func (s *TenantScope) key(key string) string {
	return "tenant:" + s.tenant + ":" + key
}

// Get resolves the tenant override, falling back to the global value.
func (s *TenantScope) Get(ctx context.Context, key string) (string, error) {
	raw, err := s.r.kv.Get(ctx, kvKeyPrefix+s.key(key))
	if err == nil {
		return string(raw), nil
	}
	if !errors.Is(err, actor.ErrNotFound) {
		return "", fmt.Errorf("failed to read tenant setting %s: %w", key, err)
	}
	return s.r.Get(ctx, key)
}

// FAPIEnabled reports the tenant's FAPI profile flag.
func (s *TenantScope) FAPIEnabled(ctx context.Context) (bool, error) {
	value, err := s.Get(ctx, KeyFAPIEnabled)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("setting %s is not a boolean: %w", KeyFAPIEnabled, err)
	}
	return b, nil
}

// Set writes a tenant override.
func (s *TenantScope) Set(ctx context.Context, key, value string) error {
	return s.r.Set(ctx, s.key(key), value)
}
