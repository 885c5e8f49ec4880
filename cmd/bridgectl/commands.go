package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/bridge-pulse/internal/bridge"
	"github.com/marko911/bridge-pulse/internal/platform/storage"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

func opsCmd(ctx context.Context, subCmd string, args []string) error {
	switch subCmd {
	case "list":
		return listOperations(ctx, args)
	case "get":
		if len(args) < 1 {
			return fmt.Errorf("usage: bridgectl ops get <id>")
		}
		return getOperation(ctx, args[0])
	case "initiate":
		return initiateOperation(ctx, args)
	case "retry":
		if len(args) < 1 {
			return fmt.Errorf("usage: bridgectl ops retry <id>")
		}
		return retryOperation(ctx, args[0])
	default:
		return fmt.Errorf("unknown ops command: %s", subCmd)
	}
}

// parseFilter turns list flags into an OperationFilter.
func parseFilter(args []string) (protov1.OperationFilter, error) {
	fs := flag.NewFlagSet("ops list", flag.ContinueOnError)
	status := fs.String("status", "", "Status filter")
	source := fs.String("source", "", "Source chain filter")
	dest := fs.String("dest", "", "Destination chain filter")
	nft := fs.String("nft", "", "NFT reference filter")
	address := fs.String("address", "", "Address filter")
	limit := fs.Int("limit", 50, "Maximum rows")
	offset := fs.Int("offset", 0, "Rows to skip")
	if err := fs.Parse(args); err != nil {
		return protov1.OperationFilter{}, err
	}

	f := protov1.OperationFilter{
		NFTReference: *nft,
		Address:      *address,
		Limit:        *limit,
		Offset:       *offset,
	}
	if *status != "" {
		s := protov1.BridgeStatus(strings.ToUpper(*status))
		switch s {
		case protov1.BridgeStatusPending, protov1.BridgeStatusInProgress, protov1.BridgeStatusCompleted, protov1.BridgeStatusFailed:
			f.Status = s
		default:
			return f, fmt.Errorf("unknown status %q", *status)
		}
	}
	var err error
	if *source != "" {
		if f.SourceChain, err = protov1.ParseChain(*source); err != nil {
			return f, err
		}
	}
	if *dest != "" {
		if f.DestinationChain, err = protov1.ParseChain(*dest); err != nil {
			return f, err
		}
	}
	return f, nil
}

func listOperations(ctx context.Context, args []string) error {
	f, err := parseFilter(args)
	if err != nil {
		return err
	}
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ops, err := c.machine.List(ctx, f)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Println("No bridge operations found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tROUTE\tNFT\tPROOFS\tUPDATED")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s -> %s\t%s\t%d\t%s\n",
			op.ID,
			op.Status,
			op.SourceChain,
			op.DestinationChain,
			truncate(op.NFTReference, 48),
			len(op.Proofs),
			op.UpdatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func getOperation(ctx context.Context, id string) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	op, err := c.machine.Get(ctx, id)
	if err != nil {
		return err
	}
	printOperation(op)
	return nil
}

func printOperation(op *protov1.BridgeOperation) {
	fmt.Printf("ID:           %s\n", op.ID)
	fmt.Printf("Status:       %s\n", op.Status)
	if op.ErrorReason != "" {
		fmt.Printf("Error:        %s\n", op.ErrorReason)
	}
	fmt.Printf("Message:      %s\n", orDash(op.MessageID))
	fmt.Printf("NFT:          %s\n", orDash(op.NFTReference))
	fmt.Printf("Source:       %s %s (tx %s)\n", op.SourceChain, orDash(op.SourceAddress), orDash(op.SourceTxIdentifier))
	fmt.Printf("Destination:  %s %s (tx %s)\n", op.DestinationChain, orDash(op.DestinationAddress), orDash(op.DestinationTxIdentifier))
	fmt.Printf("Attempts:     %d\n", op.Attempts)
	fmt.Printf("Created:      %s\n", op.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:      %s\n", op.UpdatedAt.Format(time.RFC3339))

	if len(op.History) > 0 {
		fmt.Println("\nHistory:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, h := range op.History {
			fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n", h.At.Format(time.RFC3339), h.From, h.To, h.Reason)
		}
		w.Flush()
	}
	if len(op.Proofs) > 0 {
		fmt.Println("\nProofs:")
		printProofs(op.Proofs)
	}
}

func initiateOperation(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ops initiate", flag.ContinueOnError)
	nft := fs.String("nft", "", "NFT reference (required)")
	source := fs.String("source", "", "Source chain (required)")
	dest := fs.String("dest", "", "Destination chain (required)")
	from := fs.String("from", "", "Sender address")
	to := fs.String("to", "", "Recipient address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := bridge.InitiateRequest{NFTReference: *nft, SourceAddress: *from, DestinationAddress: *to}
	var err error
	if req.SourceChain, err = protov1.ParseChain(*source); err != nil {
		return fmt.Errorf("--source: %w", err)
	}
	if req.DestinationChain, err = protov1.ParseChain(*dest); err != nil {
		return fmt.Errorf("--dest: %w", err)
	}

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	op, err := c.machine.Initiate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Initiated bridge operation %s (%s)\n", op.ID, op.Status)
	return nil
}

func retryOperation(ctx context.Context, id string) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	op, err := c.machine.Retry(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Operation %s is %s (attempt %d)\n", op.ID, op.Status, op.Attempts)
	return nil
}

func proofsCmd(ctx context.Context, subCmd string, args []string) error {
	switch subCmd {
	case "list":
		if len(args) < 1 {
			return fmt.Errorf("usage: bridgectl proofs list <operation-id>")
		}
		return listProofs(ctx, args[0])
	case "submit":
		if len(args) < 1 {
			return fmt.Errorf("usage: bridgectl proofs submit <operation-id> --type T --data 0x...")
		}
		return submitProof(ctx, args[0], args[1:])
	case "verify":
		if len(args) < 1 {
			return fmt.Errorf("usage: bridgectl proofs verify <proof-id>")
		}
		return verifyProof(ctx, args[0])
	default:
		return fmt.Errorf("unknown proofs command: %s", subCmd)
	}
}

func listProofs(ctx context.Context, operationID string) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	proofs, err := c.machine.Proofs(ctx, operationID)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		fmt.Println("No proofs recorded.")
		return nil
	}
	printProofs(proofs)

	met, err := c.machine.IsThresholdMet(ctx, operationID)
	if err != nil {
		return err
	}
	fmt.Printf("\nThreshold met: %t\n", met)
	return nil
}

func printProofs(proofs []protov1.VerificationProof) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tTYPE\tVERIFIED\tDATA\tCREATED")
	for _, p := range proofs {
		fmt.Fprintf(w, "  %s\t%s\t%t\t%s\t%s\n",
			p.ID,
			p.ProofType,
			p.IsVerified,
			truncate(hexutil.Encode(p.ProofData), 24),
			p.CreatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func submitProof(ctx context.Context, operationID string, args []string) error {
	fs := flag.NewFlagSet("proofs submit", flag.ContinueOnError)
	proofType := fs.String("type", "", "Proof type (required)")
	data := fs.String("data", "", "Hex encoded proof bytes (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *proofType == "" || *data == "" {
		return fmt.Errorf("--type and --data are required")
	}
	raw, err := hexutil.Decode(*data)
	if err != nil {
		return fmt.Errorf("--data: %w", err)
	}

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	proof, err := c.machine.SubmitProof(ctx, operationID, *proofType, raw)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded proof %s on operation %s\n", proof.ID, operationID)
	return nil
}

func verifyProof(ctx context.Context, proofID string) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	proof, err := c.machine.VerifyProof(ctx, proofID)
	if err != nil {
		return err
	}
	fmt.Printf("Proof %s verified\n", proof.ID)

	met, err := c.machine.IsThresholdMet(ctx, proof.BridgeOperationID)
	if err != nil {
		return err
	}
	fmt.Printf("Threshold met for %s: %t\n", proof.BridgeOperationID, met)
	return nil
}

func listenersCmd(ctx context.Context, subCmd string, args []string) error {
	switch subCmd {
	case "list":
		return listListeners(ctx)
	case "register":
		return registerListener(ctx, args)
	case "deactivate":
		return deactivateListener(ctx, args)
	default:
		return fmt.Errorf("unknown listeners command: %s", subCmd)
	}
}

func parseListenerFlags(name string, args []string) (protov1.ListenerConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	chain := fs.String("chain", "", "Chain name (required)")
	contract := fs.String("contract", "", "Contract address or program id (required)")
	event := fs.String("event", "*", "Event name")
	start := fs.Uint64("start", 0, "Start position")
	if err := fs.Parse(args); err != nil {
		return protov1.ListenerConfig{}, err
	}
	if *chain == "" || *contract == "" {
		return protov1.ListenerConfig{}, fmt.Errorf("--chain and --contract are required")
	}
	c, err := protov1.ParseChain(*chain)
	if err != nil {
		return protov1.ListenerConfig{}, err
	}
	return protov1.ListenerConfig{
		ListenerKey:           protov1.NewListenerKey(c, *contract, *event),
		LastProcessedPosition: *start,
	}, nil
}

func listListeners(ctx context.Context) error {
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	cfgs, err := storage.NewListenerRepository(db).LoadListenerConfigs(ctx)
	if err != nil {
		return err
	}
	if len(cfgs) == 0 {
		fmt.Println("No active listeners.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tCONTRACT\tEVENT\tCHECKPOINT")
	for _, cfg := range cfgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cfg.Chain, cfg.ContractAddress, cfg.EventName, strconv.FormatUint(cfg.LastProcessedPosition, 10))
	}
	return w.Flush()
}

func registerListener(ctx context.Context, args []string) error {
	cfg, err := parseListenerFlags("listeners register", args)
	if err != nil {
		return err
	}
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	stored, err := storage.NewListenerRepository(db).RegisterListener(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s at position %d; the engine starts it on its next restore\n", stored.Key(), stored.LastProcessedPosition)
	return nil
}

func deactivateListener(ctx context.Context, args []string) error {
	cfg, err := parseListenerFlags("listeners deactivate", args)
	if err != nil {
		return err
	}
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.NewListenerRepository(db).SetListenerActive(ctx, cfg.Key(), false); err != nil {
		return err
	}
	fmt.Printf("Deactivated %s\n", cfg.Key())
	return nil
}

func migrateCmd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bridgectl migrate <up|down N|status>")
	}
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	switch args[0] {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("Migrations applied.")
	case "down":
		steps := 1
		if len(args) > 1 {
			if steps, err = strconv.Atoi(args[1]); err != nil || steps < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
		}
		if err := db.MigrateDown(ctx, steps); err != nil {
			return err
		}
		fmt.Printf("Rolled back %d migration(s).\n", steps)
	case "status":
		applied, err := db.AppliedMigrations(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
		for _, m := range applied {
			fmt.Fprintf(w, "%03d\t%s\t%s\n", m.Version, m.Name, m.AppliedAt.Format(time.RFC3339))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
