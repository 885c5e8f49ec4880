// Command fixture-recorder captures bridge contract activity from a live
// chain into fixture files that the replay adapter plays back.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

type Config struct {
	Chain      protov1.Chain
	Endpoint   string
	OutputDir  string
	Contract   string
	FromBlock  int64
	ToBlock    int64
	BlockRange uint64
}

func main() {
	chain := flag.String("chain", "ethereum", "Chain name: ethereum, base, arbitrum, solana, ...")
	endpoint := flag.String("endpoint", "", "RPC endpoint URL")
	outputDir := flag.String("output", "./fixtures", "Output directory for fixtures")
	contract := flag.String("contract", "", "Bridge contract (EVM) or program id (Solana)")
	fromBlock := flag.Int64("from", -1, "First block to record (-1 for latest-1000)")
	toBlock := flag.Int64("to", -1, "Last block to record (-1 for latest)")
	blockRange := flag.Uint64("block-range", 2000, "Maximum blocks per eth_getLogs request")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)}))
	slog.SetDefault(logger)

	parsed, err := protov1.ParseChain(*chain)
	if err != nil {
		logger.Error("invalid chain", "chain", *chain, "error", err)
		os.Exit(1)
	}
	if *endpoint == "" || *contract == "" {
		logger.Error("endpoint and contract are required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := Config{
		Chain:      parsed,
		Endpoint:   *endpoint,
		OutputDir:  *outputDir,
		Contract:   *contract,
		FromBlock:  *fromBlock,
		ToBlock:    *toBlock,
		BlockRange: *blockRange,
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		logger.Error("failed to create output directory", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting fixture recorder",
		"chain", cfg.Chain.String(),
		"contract", cfg.Contract,
		"output", cfg.OutputDir,
	)

	if cfg.Chain.IsEVM() {
		err = recordEVMLogs(ctx, cfg, logger)
	} else {
		err = recordSolanaAccounts(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("recording failed", "error", err)
		os.Exit(1)
	}

	logger.Info("fixture recording complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
