// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of all environment variables read by the server.
const EnvPrefix = "EDGEWARDEN_"

// Settings is the immutable boot configuration.
type Settings struct {
	// Issuer is the public issuer URL advertised in discovery and stamped
	// into every token.
	Issuer string `koanf:"issuer" validate:"required,url"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `koanf:"listen_addr" validate:"required"`

	// Environment selects behavior that differs between production and
	// development, such as the alg=none policy.
	Environment string `koanf:"environment" validate:"oneof=production development"`

	// LoginUIURL is the external login interface the authorization endpoint
	// redirects to when no session satisfies the request.
	LoginUIURL string `koanf:"login_ui_url" validate:"required,url"`

	// DefaultTenant applies to requests without a tenant header.
	DefaultTenant string `koanf:"default_tenant" validate:"required"`

	// ClientsFile seeds the client registry from a JSON file at startup.
	// Empty starts with no registered clients.
	ClientsFile string `koanf:"clients_file"`

	// UnstructuredLogs selects human-readable console logging instead of
	// JSON.
	UnstructuredLogs bool `koanf:"unstructured_logs"`

	Redis RedisSettings `koanf:"redis"`
	Keys  KeySettings   `koanf:"keys"`
	Actor ActorSettings `koanf:"actor"`
}

// RedisSettings configures the shared KV store. An empty Addr selects the
// in-memory backend, which is only suitable for a single instance.
type RedisSettings struct {
	Addr      string `koanf:"addr"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// KeySettings configures the signing key ring.
type KeySettings struct {
	// Dir is searched for PEM key files when SigningKeyFile is relative.
	Dir string `koanf:"dir"`

	// SigningKeyFile is the active signing key. When empty an ephemeral key
	// is generated at startup.
	SigningKeyFile string `koanf:"signing_key_file"`

	// FallbackKeyFiles are previous signing keys kept in the published JWKS
	// so tokens issued before a rotation still verify.
	FallbackKeyFiles []string `koanf:"fallback_key_files"`

	// Algorithm overrides the algorithm derived from the key type.
	Algorithm string `koanf:"algorithm"`
}

// ActorSettings configures identity routing for the actor store.
type ActorSettings struct {
	// Region is this instance's region label, embedded in minted identities.
	Region string `koanf:"region" validate:"required"`

	// Shards is the number of hash shards per tenant.
	Shards int `koanf:"shards" validate:"min=1"`

	// IdleTimeout is how long an actor loop with no pending work stays
	// resident before it is reaped.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// Production reports whether the server runs with production policy.
func (s *Settings) Production() bool {
	return s.Environment == "production"
}

func defaultSettings() *Settings {
	return &Settings{
		Issuer:        "http://localhost:8080",
		ListenAddr:    ":8080",
		Environment:   "development",
		LoginUIURL:    "http://localhost:3000/login",
		DefaultTenant: "default",
		Redis: RedisSettings{
			KeyPrefix: "edgewarden:",
		},
		Actor: ActorSettings{
			Region:      "local",
			Shards:      16,
			IdleTimeout: time.Minute,
		},
	}
}

// Load builds Settings from compiled defaults overridden by EDGEWARDEN_*
// environment variables. EDGEWARDEN_REDIS_ADDR maps to redis.addr,
// EDGEWARDEN_LISTEN_ADDR to listen_addr, and so on: the first underscore
// after a known section name becomes the nesting separator.
func Load() (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultSettings(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	envProvider := env.Provider(EnvPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	settings := &Settings{}
	if err := k.Unmarshal("", settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := validator.New().Struct(settings); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// sections are the nested Settings groups recognized by envTransform.
var sections = []string{"redis", "keys", "actor"}

func envTransform(raw string) string {
	key := strings.ToLower(strings.TrimPrefix(raw, EnvPrefix))
	for _, section := range sections {
		prefix := section + "_"
		if strings.HasPrefix(key, prefix) {
			return section + "." + strings.TrimPrefix(key, prefix)
		}
	}
	return key
}
