// Command bridgectl is the operator CLI for a bridge engine deployment. It
// talks to the engine's Postgres database directly.
//
// Usage:
//
//	bridgectl ops list [--status S] [--source C] [--dest C] [--nft REF] [--address A]
//	bridgectl ops get <id>
//	bridgectl ops initiate --nft REF --source C --dest C [--from A] [--to A]
//	bridgectl ops retry <id>
//	bridgectl proofs list <operation-id>
//	bridgectl proofs submit <operation-id> --type T --data 0x...
//	bridgectl proofs verify <proof-id>
//	bridgectl listeners list
//	bridgectl listeners register --chain C --contract A [--event E] [--start N]
//	bridgectl listeners deactivate --chain C --contract A [--event E]
//	bridgectl migrate <up|down N|status>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

var (
	configPath  = envOrDefault("BRIDGE_CONFIG", "")
	databaseURL = envOrDefault("DATABASE_URL", "")
)

func main() {
	if err := godotenv.Load(); err == nil {
		configPath = envOrDefault("BRIDGE_CONFIG", configPath)
		databaseURL = envOrDefault("DATABASE_URL", databaseURL)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "ops":
		if len(os.Args) < 3 {
			fmt.Println("Usage: bridgectl ops <list|get|initiate|retry>")
			os.Exit(1)
		}
		err = opsCmd(ctx, os.Args[2], os.Args[3:])
	case "proofs":
		if len(os.Args) < 3 {
			fmt.Println("Usage: bridgectl proofs <list|submit|verify>")
			os.Exit(1)
		}
		err = proofsCmd(ctx, os.Args[2], os.Args[3:])
	case "listeners":
		if len(os.Args) < 3 {
			fmt.Println("Usage: bridgectl listeners <list|register|deactivate>")
			os.Exit(1)
		}
		err = listenersCmd(ctx, os.Args[2], os.Args[3:])
	case "migrate":
		err = migrateCmd(ctx, os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version", "-v":
		fmt.Println("bridgectl version 0.1.0")
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`bridgectl - operator CLI for the bridge engine

Usage:
  bridgectl ops list [options]            List bridge operations
  bridgectl ops get <id>                  Show one operation with history and proofs
  bridgectl ops initiate [options]        Create a PENDING operation for an expected send
  bridgectl ops retry <id>                Return a FAILED operation to PENDING
  bridgectl proofs list <operation-id>    List verification proofs
  bridgectl proofs submit <op-id> [opts]  Attach an unverified proof
  bridgectl proofs verify <proof-id>      Mark a proof verified
  bridgectl listeners list                List active listeners and checkpoints
  bridgectl listeners register [options]  Register a listener; the engine starts it on restore
  bridgectl listeners deactivate [opts]   Deactivate a listener row
  bridgectl migrate up                    Apply pending migrations
  bridgectl migrate down <n>              Roll back n migrations
  bridgectl migrate status                Show applied migrations
  bridgectl help                          Show this help
  bridgectl version                       Show version

List Options:
  --status      PENDING, IN_PROGRESS, COMPLETED or FAILED
  --source      Source chain name
  --dest        Destination chain name
  --nft         NFT reference (chain:contract:tokenId)
  --address     Source or destination address
  --limit       Maximum rows (default: 50)
  --offset      Rows to skip

Initiate Options:
  --nft         NFT reference (required)
  --source      Source chain (required)
  --dest        Destination chain (required)
  --from        Sender address
  --to          Recipient address

Proof Submit Options:
  --type        Proof type, e.g. dvn or manual (required)
  --data        Hex encoded proof bytes (required)

Listener Options:
  --chain       Chain name (required)
  --contract    Contract address or program id (required)
  --event       Event name (default: *)
  --start       Start position; 0 keeps the stored checkpoint

Environment Variables:
  BRIDGE_CONFIG   Engine configuration file (storage, redis and notify sections)
  DATABASE_URL    Postgres URL (overrides the configuration file)

Examples:
  bridgectl ops list --status FAILED
  bridgectl ops retry 6f1c2a9e-5d7b-4c1e-9f55-3b8e2d1a7c40
  bridgectl proofs submit 6f1c2a9e-5d7b-4c1e-9f55-3b8e2d1a7c40 --type manual --data 0x01
  bridgectl listeners register --chain base --contract 0x5af0... --start 19000000`)
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
