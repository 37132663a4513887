// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/authcode"
	"github.com/edgewarden/edgewarden/pkg/authorize"
	"github.com/edgewarden/edgewarden/pkg/ciba"
	"github.com/edgewarden/edgewarden/pkg/client"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/device"
	"github.com/edgewarden/edgewarden/pkg/introspect"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/logger"
	"github.com/edgewarden/edgewarden/pkg/networking"
	"github.com/edgewarden/edgewarden/pkg/par"
	"github.com/edgewarden/edgewarden/pkg/ratelimit"
	"github.com/edgewarden/edgewarden/pkg/server"
	"github.com/edgewarden/edgewarden/pkg/session"
	"github.com/edgewarden/edgewarden/pkg/token"
)

const (
	gracefulTimeout    = 30 * time.Second
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 20 * time.Second
	serverIdleTimeout  = 60 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identity provider",
	Long: `Start the identity provider HTTP server.

With EDGEWARDEN_REDIS_ADDR set, state is shared through Redis and any
number of instances can run side by side. Without it, state is held in
memory and only a single instance is valid.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	logger.Initialize(settings.UnstructuredLogs)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	backend, err := newBackend(ctx, settings)
	if err != nil {
		return err
	}

	system := actor.NewSystem(backend, actor.WithIdleTimeout(settings.Actor.IdleTimeout))
	defer func() {
		if err := system.Close(); err != nil {
			logger.Errorw("failed to close actor system", "error", err)
		}
	}()
	router := actor.NewRouter(settings.Actor.Region, settings.Actor.Shards)

	provider, err := keyring.NewProviderFromConfig(keyring.Config{
		KeyDir:           settings.Keys.Dir,
		SigningKeyFile:   settings.Keys.SigningKeyFile,
		FallbackKeyFiles: settings.Keys.FallbackKeyFiles,
		Algorithm:        settings.Keys.Algorithm,
	})
	if err != nil {
		return fmt.Errorf("failed to build key provider: %w", err)
	}
	if settings.Production() && settings.Keys.Dir == "" {
		logger.Warn("no key directory configured, using an ephemeral signing key; tokens will not survive a restart")
	}
	ring := keyring.New(provider, keyring.Policy{Production: settings.Production()})

	cfg := config.NewResolver(backend)

	source := client.NewMemorySource()
	if err := seedClients(ctx, source, settings.ClientsFile); err != nil {
		return err
	}
	registry := client.NewRegistry(source, backend)
	keys, err := client.NewKeyResolver(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to build key resolver: %w", err)
	}
	auth := client.NewAuthenticator(registry, keys, actor.NewJTIStore(backend, "assertion-jti"))
	dpop := keyring.NewDPoPVerifier(actor.NewJTIStore(backend, "dpop-jti"), 0)

	sessions := session.NewStore(system, router)
	pars := par.NewStore(system, router)
	codes := authcode.NewStore(system, router)
	devices := device.NewStore(system, router)
	cibaStore := ciba.NewStore(system, router)
	records := token.NewRegistry(system, router)

	tokens, err := token.NewService(token.Deps{
		Issuer:  settings.Issuer,
		Ring:    ring,
		Records: records,
		Codes:   codes,
		Devices: devices,
		CIBA:    cibaStore,
		DPoP:    dpop,
		Config:  cfg,
		Keys:    keys,
	})
	if err != nil {
		return err
	}

	authz, err := authorize.NewService(authorize.Deps{
		LoginURL: settings.LoginUIURL,
		Ring:     ring,
		Clients:  registry,
		Keys:     keys,
		PAR:      pars,
		Codes:    codes,
		Sessions: sessions,
		Config:   cfg,
		System:   system,
		Router:   router,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Issuer:        settings.Issuer,
		DefaultTenant: settings.DefaultTenant,
	}, server.Deps{
		Authorize:  authz,
		Tokens:     tokens,
		Introspect: introspect.NewService(settings.Issuer, ring, records, cfg),
		Clients:    registry,
		Auth:       auth,
		Registrar:  client.NewRegistrar(source),
		Ring:       ring,
		DPoP:       dpop,
		PAR:        pars,
		Devices:    devices,
		CIBA:       cibaStore,
		Notifier:   ciba.NewNotifier(cibaStore, networking.NewGuardedClient()),
		Sessions:   sessions,
		Records:    records,
		Config:     cfg,
		Limiter:    ratelimit.New(cfg, nil),
		UserCodes:  ratelimit.NewUserCodeRateLimiter(system, router),
		Backend:    backend,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         settings.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infow("server listening", "addr", settings.ListenAddr, "issuer", settings.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("forced shutdown", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newBackend selects the shared Redis backend when configured, the
// in-memory backend otherwise.
func newBackend(ctx context.Context, settings *config.Settings) (actor.Backend, error) {
	if settings.Redis.Addr == "" {
		logger.Warn("no redis address configured, state is in-memory and instance-local")
		return actor.NewMemoryBackend(), nil
	}
	backend, err := actor.NewRedisBackend(ctx, actor.RedisConfig{
		Addr:      settings.Redis.Addr,
		Username:  settings.Redis.Username,
		Password:  settings.Redis.Password,
		DB:        settings.Redis.DB,
		KeyPrefix: settings.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return backend, nil
}

// seedClients loads client registrations from a JSON file into the source.
func seedClients(ctx context.Context, source *client.MemorySource, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return fmt.Errorf("failed to read clients file: %w", err)
	}
	var clients []*client.Client
	if err := json.Unmarshal(data, &clients); err != nil {
		return fmt.Errorf("failed to parse clients file: %w", err)
	}
	for _, c := range clients {
		if c.ID == "" || c.Tenant == "" {
			return fmt.Errorf("clients file: every client needs an id and a tenant")
		}
		if err := source.Put(ctx, c); err != nil {
			return err
		}
	}
	logger.Infow("seeded client registry", "count", len(clients), "file", path)
	return nil
}
