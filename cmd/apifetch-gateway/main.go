package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"apifetch-gateway/internal/apifetch"
	"apifetch-gateway/internal/client"
	"apifetch-gateway/internal/config"
	"apifetch-gateway/internal/handler"
	"apifetch-gateway/internal/metrics"
	"apifetch-gateway/internal/middleware"
	"apifetch-gateway/internal/model"
	"apifetch-gateway/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// logOutput is where the process logs. The fetch command keeps stdout for
// its result.
type logOutput struct{ io.Writer }

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("apifetch-gateway"),
		kong.Description("Gateway that runs WordPress REST API requests through a fetch middleware pipeline."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	out := logOutput{os.Stdout}
	invoke := fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer)
	if strings.HasPrefix(kctx.Command(), "fetch") {
		out = logOutput{os.Stderr}
		invoke = fx.Invoke(runFetch)
	}

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			func() logOutput { return out },
			config.Load,
			newLogger,
			newEcho,
			metrics.New,
			fx.Annotate(client.NewSiteClient, fx.As(new(apifetch.Doer))),
			service.NewFetchService,
			handler.NewGatewayHandler,
			handler.NewHealthHandler,
		),
		invoke,
	).Run()
}

func newLogger(cfg *config.Config, out logOutput) *slog.Logger {
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
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Batched and post-processed requests can outlast the upstream timeout,
	// so only the pipeline bounds the response.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.GatewayHeaders())

	if rl := cfg.Server.RateLimit; rl.Enabled {
		e.Use(middleware.RateLimiter(rl.RequestsPerSecond, rl.Burst))
		logger.Info("rate limiter enabled", "rps", rl.RequestsPerSecond, "burst", rl.Burst)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger, svc *service.FetchService) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			st := svc.Status()
			logger.Info("starting server",
				"addr", addr,
				"site_url", cfg.Site.URL,
				"root_url", st.RootURL,
				"batching", st.Batching,
				"media_recovery", st.MediaRecovery,
				"preloaded", st.Preloaded,
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

// runFetch sends the request described by the fetch command, prints the
// response envelope to stdout and shuts the app down. Failures exit with
// code 1.
func runFetch(lc fx.Lifecycle, sd fx.Shutdowner, cli *config.CLI, cfg *config.Config, svc *service.FetchService, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			fr, err := fetchRequest(&cli.Fetch)
			if err != nil {
				return err
			}
			go func() {
				code := 0
				if err := printFetch(ctx, os.Stdout, svc, fr, cfg.Fetch.Timeout()); err != nil {
					logger.Error("fetch failed", "err", err, "path", fr.Path)
					code = 1
				}
				_ = sd.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
}

func printFetch(ctx context.Context, w io.Writer, svc *service.FetchService, fr *model.FetchRequest, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	resp, err := svc.Fetch(ctx, fr)
	if err != nil {
		if raw, ok := apifetch.ResponseOf(err); ok && fr.Raw() {
			return enc.Encode(service.Envelope(raw))
		}
		var e *apifetch.Error
		if errors.As(err, &e) {
			_ = enc.Encode(model.ErrorResponse{Code: e.Code, Message: e.Message, Data: e.Data})
		}
		return err
	}
	return enc.Encode(service.Envelope(resp))
}

// fetchRequest converts the fetch command's flags into a pipeline request.
func fetchRequest(cmd *config.FetchCmd) (*model.FetchRequest, error) {
	fr := &model.FetchRequest{
		Path:    cmd.Path,
		Method:  strings.ToUpper(cmd.Method),
		BatchAs: cmd.BatchAs,
	}
	if cmd.Raw {
		parse := false
		fr.Parse = &parse
	}
	if cmd.Data != "" {
		if !json.Valid([]byte(cmd.Data)) {
			return nil, errors.New("--data is not valid JSON")
		}
		fr.Data = json.RawMessage(cmd.Data)
	}
	for _, h := range cmd.Header {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("header %q: want Name: value", h)
		}
		if fr.Headers == nil {
			fr.Headers = make(map[string]string)
		}
		fr.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return fr, nil
}
