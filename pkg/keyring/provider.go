// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/edgewarden/edgewarden/pkg/logger"
)

// DefaultAlgorithm is used by the generating provider when none is requested.
const DefaultAlgorithm = "RS256"

// ErrNoSigningKey is returned when no signing key is available.
var ErrNoSigningKey = errors.New("keyring: no signing key available")

// KeyProvider provides signing keys for JWT operations.
// Implementations handle key sourcing (file, memory, generation).
type KeyProvider interface {
	// SigningKey returns the current active signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// Config holds configuration for creating a KeyProvider.
type Config struct {
	// KeyDir is the directory containing PEM-encoded private key files.
	KeyDir string

	// SigningKeyFile is the filename of the active signing key, relative to
	// KeyDir.
	SigningKeyFile string

	// FallbackKeyFiles are additional keys published for verification only.
	// Rotation: add the new key here, roll out, promote it to
	// SigningKeyFile, and retire the old file once its tokens expire.
	FallbackKeyFiles []string

	// Algorithm selects the generated key type when no KeyDir is set.
	Algorithm string
}

// NewProviderFromConfig creates a KeyProvider based on the configuration:
// file-backed when KeyDir is set, an ephemeral generated key otherwise.
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	return NewGeneratingProvider(cfg.Algorithm), nil
}

// FileProvider loads signing keys from PEM files in a directory.
// Keys are loaded once at construction time; changes require restart.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider creates a provider that loads keys from a directory.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}
	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{signingKey: signingKey, allKeys: allKeys}, nil
}

// SigningKey returns the active signing key.
// Returns a copy to prevent external mutation of internal state.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	k := *p.signingKey
	return &k, nil
}

// PublicKeys returns public keys for all loaded keys (signing + fallback),
// enabling verification of tokens signed with any of them.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// GeneratingProvider generates an ephemeral key on first access.
// Suitable for development but NOT for production: generated keys are lost
// on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKeyData
}

// NewGeneratingProvider creates a provider that lazily generates an
// ephemeral key with the given algorithm (DefaultAlgorithm if empty).
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the signing key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		key, err := p.generateKey()
		if err != nil {
			return nil, err
		}
		logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		p.key = key
	}

	k := *p.key
	return &k, nil
}

// PublicKeys returns the public key for JWKS, generating the signing key if
// it hasn't been generated yet.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		PublicKey: key.Key.Public(),
		CreatedAt: key.CreatedAt,
	}}, nil
}

func (p *GeneratingProvider) generateKey() (*SigningKeyData, error) {
	switch p.algorithm {
	case "RS256":
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return newSigningKeyData(key)
	case "ES256":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
		}
		return newSigningKeyData(key)
	default:
		return nil, fmt.Errorf("unsupported key generation algorithm %q", p.algorithm)
	}
}

// StaticProvider serves a fixed key set. Useful for tests and for callers
// that manage key material themselves.
type StaticProvider struct {
	signing *SigningKeyData
	all     []*SigningKeyData
}

// NewStaticProvider creates a provider around pre-built keys. The first key
// is the active signing key.
func NewStaticProvider(keys ...*SigningKeyData) (*StaticProvider, error) {
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	return &StaticProvider{signing: keys[0], all: keys}, nil
}

// SigningKey returns the active signing key.
func (p *StaticProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	k := *p.signing
	return &k, nil
}

// PublicKeys returns all public keys.
func (p *StaticProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	out := make([]*PublicKeyData, 0, len(p.all))
	for _, key := range p.all {
		out = append(out, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return out, nil
}

var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
	_ KeyProvider = (*StaticProvider)(nil)
)
