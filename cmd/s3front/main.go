package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"s3front-proxy-go/internal/accesslog"
	"s3front-proxy-go/internal/client"
	"s3front-proxy-go/internal/config"
	"s3front-proxy-go/internal/handler"
	"s3front-proxy-go/internal/install"
	"s3front-proxy-go/internal/lifecycle"
	"s3front-proxy-go/internal/metrics"
	"s3front-proxy-go/internal/middleware"
	"s3front-proxy-go/internal/service"
)

// installHome is where "s3front install" provisions config and run scripts.
const installHome = "/etc/s3front"

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("s3front"),
		kong.Description("Path-rewriting reverse proxy for storage-worker nodes."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	switch kctx.Command() {
	case "install":
		runInstall(&cli)
	default:
		runServe(&cli)
	}
}

func runServe(cli *config.CLI) {
	fx.New(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newAccessLog,
			metrics.New,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			lifecycle.New,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetrics, warnConfigPermissions, runProxy),
	).Run()
}

// installConfig resolves the config used for provisioning. A missing config
// file is the normal first-install case and yields defaults; a file that
// exists but fails to parse or validate is an operator error and aborts.
func installConfig(cli *config.CLI) (*config.Config, error) {
	cfg, err := config.Load(cli)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, config.ErrNoConfig), errors.Is(err, os.ErrNotExist):
		return config.Default(), nil
	default:
		return nil, err
	}
}

// runInstall provisions the host. Any failure exits 255, matching the
// historical install script's exit status.
func runInstall(cli *config.CLI) {
	cfg, err := installConfig(cli)
	if err != nil {
		newLogger(config.Default()).Error("install failed", "err", err)
		os.Exit(255)
	}

	logger := newLogger(cfg)
	inst := install.NewInstaller(installHome, logger)
	if err := inst.Run(context.Background(), cfg); err != nil {
		logger.Error("install failed", "err", err)
		os.Exit(255)
	}
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

func newAccessLog(cfg *config.Config, logger *slog.Logger) (*accesslog.Writer, error) {
	return accesslog.Open(cfg.AccessLog.Path, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, al *accesslog.Writer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. Protection is provided by the upstream timeout model, ReadTimeout,
	// and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.AccessLog(al))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// runProxy ties the fx lifecycle to the proxy's own state machine: OnStart
// and OnStop delegate to the idempotent controller transitions, and the
// access log is closed after the server has fully stopped.
func runProxy(lc fx.Lifecycle, ctrl *lifecycle.Controller, al *accesslog.Writer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ctrl.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			err := ctrl.Stop(ctx)
			if cerr := al.Close(); err == nil {
				err = cerr
			}
			return err
		},
	})
}
