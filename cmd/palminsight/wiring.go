package main

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/palminsight/palminsight/authstate"
	"github.com/palminsight/palminsight/config"
	"github.com/palminsight/palminsight/flow"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/provider/gotrue"
	"github.com/palminsight/palminsight/provider/oidc"
	"github.com/palminsight/palminsight/storage"
	"go.uber.org/zap"
)

// providerSetup is a provider factory plus the OAuth providers it offers.
type providerSetup struct {
	Factory provider.Factory
	OAuth   []string
}

func routes(cfg *config.Config) flow.Routes {
	return flow.Routes{
		Dashboard:     cfg.Routes.Dashboard,
		ResetPassword: cfg.Routes.ResetPassword,
		Login:         cfg.Routes.Login,
	}
}

// authBase is the mount point of the auth routes, derived from the
// configured callback path.
func authBase(cfg *config.Config) string {
	return path.Dir(cfg.Routes.Callback)
}

func callbackURL(cfg *config.Config) string {
	return strings.TrimRight(cfg.Server.PublicURL, "/") + cfg.Routes.Callback
}

func newProvider(ctx context.Context, cfg *config.Config, log *zap.Logger) (providerSetup, error) {
	hc := &http.Client{Timeout: cfg.Provider.Timeout}
	switch cfg.Provider.Kind {
	case config.ProviderOIDC:
		o := cfg.Provider.OIDC
		p, err := oidc.Discover(ctx, oidc.Config{
			Name:         o.Name,
			Issuer:       o.Issuer,
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Scopes:       o.Scopes,
			RedirectURL:  callbackURL(cfg),
		})
		if err != nil {
			return providerSetup{}, err
		}
		return providerSetup{
			Factory: p.Factory(oidc.WithLogger(log), oidc.WithHTTPClient(hc)),
			OAuth:   []string{p.Name()},
		}, nil
	case config.ProviderGoTrue:
		return providerSetup{
			Factory: gotrue.NewFactory(cfg.Provider.URL, cfg.Provider.AnonKey,
				gotrue.WithJWTSecret(cfg.Provider.JWTSecret),
				gotrue.WithHTTPClient(hc),
				gotrue.WithLogger(log)),
		}, nil
	}
	return providerSetup{}, fmt.Errorf("unsupported provider kind %q", cfg.Provider.Kind)
}

func newBackend(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		return storage.NewRedisFromURL(cfg.Storage.RedisURL,
			storage.WithKeyPrefix(cfg.Storage.KeyPrefix),
			storage.WithTTL(cfg.Storage.TTL))
	case config.StorageFile:
		return storage.NewFile(cfg.Storage.FilePath), nil
	case config.StorageMemory:
		return storage.NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}

func deviceConfig(cfg *config.Config, log *zap.Logger) authstate.DeviceConfig {
	return authstate.DeviceConfig{
		RepositoryOptions: []pkce.RepositoryOption{
			pkce.WithCodeHistory(cfg.Auth.ConsumedCodeHistory),
			pkce.WithResetTTL(cfg.Auth.ResetFlagTTL),
		},
		MachineOptions: []flow.MachineOption{
			flow.WithFreshVerifierFallback(cfg.Auth.FreshVerifierFallback),
			flow.WithRoutes(routes(cfg)),
		},
		Logger: log,
	}
}
