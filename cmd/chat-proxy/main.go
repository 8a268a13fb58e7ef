package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"mtls-chat-proxy/internal/chat"
	"mtls-chat-proxy/internal/client"
	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/credential"
	"mtls-chat-proxy/internal/handler"
	"mtls-chat-proxy/internal/metrics"
	"mtls-chat-proxy/internal/middleware"
	"mtls-chat-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("chat-proxy"),
		kong.Description("Authenticated chat gateway for a mutual-TLS model endpoint."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			credential.NewManager,
			client.LoadIdentity,
			client.NewUpstreamClient,
			func(c *client.UpstreamClient) service.Doer { return c },
			func(m *credential.Manager) service.TokenSource { return m },
			service.NewForwarder,
			func(f *service.Forwarder) chat.Forwarder { return f },
			chat.NewService,
			func(m *credential.Manager) handler.CredentialStatus { return m },
			func(id *client.Identity) handler.CertificateExpiry { return id },
			handler.NewChatHandler,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			warnConfig,
			watchIdentity,
			resetCredentialOnHangup,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled so streamed completions are not cut off;
	// /api/chat is bounded by chat.max_duration_seconds instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	return e
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnInsecure(logger)
}

// watchIdentity reloads file-based client certificates when they change on disk.
func watchIdentity(lc fx.Lifecycle, cfg *config.Config, id *client.Identity, logger *slog.Logger) {
	if !cfg.TLS.Watch {
		return
	}
	w := client.NewIdentityWatcher(id, logger)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return w.Start() },
		OnStop:  func(_ context.Context) error { return w.Stop() },
	})
}

// resetCredentialOnHangup drops the cached token on SIGHUP.
func resetCredentialOnHangup(lc fx.Lifecycle, creds *credential.Manager, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			signal.Notify(sig, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-sig:
						logger.Info("SIGHUP received; resetting credential")
						creds.Reset()
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(sig)
			close(done)
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"upstream", cfg.Model.BaseURL,
				"model", cfg.Model.Name,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
