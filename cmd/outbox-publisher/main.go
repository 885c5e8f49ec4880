// Command outbox-publisher relays notifications that the engine wrote to the
// Postgres outbox onto NATS JetStream and Kafka.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/marko911/bridge-pulse/internal/engine"
	"github.com/marko911/bridge-pulse/internal/platform/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	var (
		configPath  = flag.String("config", envOrDefault("BRIDGE_CONFIG", ""), "Optional engine configuration file; its storage and notify sections are used")
		databaseURL = flag.String("database-url", envOrDefault("DATABASE_URL", ""), "Postgres URL (overrides storage.postgres)")

		brokers     = flag.String("brokers", envOrDefault("KAFKA_BROKERS", ""), "Kafka brokers (comma-separated); enables the Kafka sink")
		natsURL     = flag.String("nats-url", envOrDefault("NATS_URL", ""), "NATS server URL; enables the JetStream sink")
		natsEnabled = flag.Bool("nats-enabled", envOrDefaultBool("NATS_ENABLED", false), "Enable the JetStream sink with the configured URL")

		pollInterval = flag.Duration("poll-interval", 100*time.Millisecond, "Polling interval for new messages")
		batchSize    = flag.Int("batch-size", envOrDefaultInt("BATCH_SIZE", 100), "Maximum messages to fetch per poll")
		stuckAfter   = flag.Duration("stuck-after", time.Minute, "Return messages left in processing this long to pending")

		logLevel  = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
		logFormat = flag.String("log-format", envOrDefault("LOG_FORMAT", "json"), "Log format: json or text")
	)
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		loaded, err := engine.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *databaseURL != "" {
		cfg.Storage.Postgres.URL = *databaseURL
	}
	if *brokers != "" {
		cfg.Notify.Kafka.Enabled = true
		cfg.Notify.Kafka.Brokers = *brokers
	}
	if *natsURL != "" {
		cfg.Notify.NATS.Enabled = true
		cfg.Notify.NATS.URL = *natsURL
	}
	if *natsEnabled {
		cfg.Notify.NATS.Enabled = true
	}
	cfg.Notify.NATS.Name = "outbox-publisher"
	cfg.Notify.Outbox.Relay.PollInterval = *pollInterval
	cfg.Notify.Outbox.Relay.BatchSize = *batchSize

	logger.Info("starting outbox publisher",
		"kafka", cfg.Notify.Kafka.Enabled,
		"nats", cfg.Notify.NATS.Enabled,
		"poll_interval", *pollInterval,
		"batch_size", *batchSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sinks, err := engine.BrokerSinks(ctx, cfg.Notify, logger)
	if err != nil {
		logger.Error("failed to connect sinks", "error", err)
		os.Exit(1)
	}
	if len(sinks) == 0 {
		logger.Error("no sinks enabled; set -brokers or -nats-url")
		os.Exit(1)
	}

	p := NewPublisher(PublisherConfig{
		Relay:      cfg.Notify.Outbox.Relay,
		StuckAfter: *stuckAfter,
	}, storage.NewOutboxRepository(db), logger, sinks...)

	if err := p.Run(ctx); err != nil {
		logger.Error("publisher error", "error", err)
		os.Exit(1)
	}
	logger.Info("outbox publisher stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if strings.EqualFold(format, "text") {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
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

func envOrDefaultBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}
