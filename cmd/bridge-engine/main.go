// Command bridge-engine runs the bridge orchestration engine: chain
// listeners, the operation state machine and the notification sinks, plus
// an HTTP endpoint for metrics and health.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/bridge-pulse/internal/api"
	"github.com/marko911/bridge-pulse/internal/engine"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	var (
		configPath  = flag.String("config", envOrDefault("BRIDGE_CONFIG", "bridge.yaml"), "Path to the YAML configuration file")
		logLevel    = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
		logFormat   = flag.String("log-format", envOrDefault("LOG_FORMAT", "json"), "Log format: json or text")
		httpAddr    = flag.String("http-addr", envOrDefault("HTTP_ADDR", ""), "Metrics and health listen address (overrides http.addr)")
		databaseURL = flag.String("database-url", envOrDefault("DATABASE_URL", ""), "Postgres URL; selects the postgres storage driver")
		workers     = flag.Int("workers", envOrDefaultInt("WORKER_COUNT", 0), "Apply workers (overrides engine.workers)")
	)
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	cfg, err := engine.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *databaseURL != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.Postgres.URL = *databaseURL
	}
	if *workers > 0 {
		cfg.Engine.Workers = *workers
	}

	logger.Info("starting bridge engine",
		"config", *configPath,
		"storage", cfg.Storage.Driver,
		"lock", cfg.Engine.Lock,
		"chains", len(cfg.Chains),
		"listeners", len(cfg.Listeners),
		"proof_threshold", cfg.Engine.ProofThreshold,
		"max_in_flight", cfg.Engine.MaxInFlight,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := engine.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newMux(app, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Engine.Run(gCtx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("bridge engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("bridge engine stopped")
}

func newMux(app *engine.App, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := map[string]string{}
		for name, err := range app.Health(ctx) {
			checks[name] = err.Error()
		}
		if !app.Engine.Running() {
			checks["engine"] = "not running"
		}

		status := http.StatusOK
		body := map[string]any{"status": "ok", "listeners": app.Engine.Listeners()}
		if len(checks) > 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["failures"] = checks
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	api.NewServer(app.Engine, app.Hub, logger).Register(mux)
	return mux
}

func newLogger(level, format string) *slog.Logger {
	lvl := parseLogLevel(level)
	if strings.EqualFold(format, "text") {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
