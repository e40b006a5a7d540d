package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/palminsight/palminsight/auth"
	"github.com/palminsight/palminsight/authstate"
	"github.com/palminsight/palminsight/config"
	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/middleware"
	"github.com/palminsight/palminsight/storage"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP auth gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if err := cfg.ValidateServer(); err != nil {
			return err
		}

		app := fx.New(
			fx.Supply(cfg, log),
			fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: log.Named("fx")}
			}),
			serverModule,
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

var serverModule = fx.Module("server",
	fx.Provide(
		provideBackend,
		provideProvider,
		provideHub,
		provideDevices,
		provideAuthHandler,
		provideMux,
		provideHTTPServer,
	),
	fx.Invoke(runHub, runHTTPServer),
)

func provideBackend(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	s, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	if r, ok := s.(*storage.Redis); ok {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := r.Ping(ctx); err != nil {
					return err
				}
				log.Info("Connected to Redis")
				return nil
			},
			OnStop: func(context.Context) error { return r.Close() },
		})
	}
	return s, nil
}

func provideProvider(cfg *config.Config, log *zap.Logger) (providerSetup, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Provider.Timeout)
	defer cancel()
	return newProvider(ctx, cfg, log)
}

func provideHub(cfg *config.Config, backend storage.Store, p providerSetup, log *zap.Logger) *authstate.Hub {
	return authstate.NewHub(backend, p.Factory,
		authstate.WithIdleTTL(cfg.Auth.IdleTTL),
		authstate.WithDeviceConfig(deviceConfig(cfg, log)))
}

func provideDevices(cfg *config.Config) (*middleware.DeviceProcessor, error) {
	keys, err := middleware.ParseKeys(cfg.Cookie.Keys)
	if err != nil {
		return nil, err
	}
	cookie, err := middleware.NewSealedCookie(cfg.Cookie.Name, cfg.Cookie.KeyID, keys,
		middleware.WithSecure(cfg.Cookie.Secure))
	if err != nil {
		return nil, err
	}
	return middleware.NewDeviceProcessor(cookie), nil
}

func provideAuthHandler(cfg *config.Config, hub *authstate.Hub, devices *middleware.DeviceProcessor, p providerSetup, log *zap.Logger) (*auth.Handler, error) {
	return auth.NewHandler(hub, devices,
		auth.WithBasePath(authBase(cfg)),
		auth.WithPublicURL(cfg.Server.PublicURL),
		auth.WithRoutes(routes(cfg)),
		auth.WithOAuthProviders(p.OAuth...),
		auth.WithLogger(log))
}

func provideMux(cfg *config.Config, h *auth.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(h.BasePath()+"/", h)
	mux.Handle("GET /{$}", h.Page("home"))
	mux.Handle("GET /signup", h.Page("signup"))
	mux.Handle("GET "+cfg.Routes.Login, h.Page("login"))
	mux.Handle("GET "+cfg.Routes.ResetPassword, h.Page("reset-password"))
	mux.Handle("GET "+cfg.Routes.Dashboard, h.Page("dashboard"))
	return mux
}

func provideHTTPServer(cfg *config.Config, mux *http.ServeMux, log *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}
}

func runHub(lc fx.Lifecycle, hub *authstate.Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go hub.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func runHTTPServer(lc fx.Lifecycle, srv *http.Server, cfg *config.Config, log *zap.Logger, shutdown fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("Starting server",
				zap.String("address", srv.Addr),
				zap.String("public_url", cfg.Server.PublicURL))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server failed", zap.Error(err))
					_ = shutdown.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Shutting down server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
