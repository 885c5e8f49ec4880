package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/marko911/bridge-pulse/internal/adapter/replay"
)

// maxAccountData caps the account bytes kept per fixture.
const maxAccountData = 10240

func recordEVMLogs(ctx context.Context, cfg Config, logger *slog.Logger) error {
	client, err := ethclient.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	latest, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}
	from, to := blockWindow(cfg.FromBlock, cfg.ToBlock, latest)

	logger.Info("fetching logs", "from", from, "to", to, "latest", latest)

	address := common.HexToAddress(cfg.Contract)
	blockTimes := make(map[uint64]uint64)
	for start := from; start <= to; start += cfg.BlockRange {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + cfg.BlockRange - 1
		if end > to {
			end = to
		}

		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{address},
		})
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		if len(logs) == 0 {
			continue
		}

		for _, l := range logs {
			if _, ok := blockTimes[l.BlockNumber]; ok {
				continue
			}
			header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber))
			if err != nil {
				logger.Warn("failed to fetch block header", "block", l.BlockNumber, "error", err)
				continue
			}
			blockTimes[l.BlockNumber] = header.Time
		}

		fixture, err := replay.NewFixture(cfg.Chain.String(), replay.FixtureLogs, end, logFixtures(logs, blockTimes))
		if err != nil {
			return err
		}
		filename := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_logs_%d_%d.json", cfg.Chain, start, end))
		if err := replay.SaveFixture(filename, fixture); err != nil {
			return err
		}
		logger.Info("recorded logs", "from", start, "to", end, "count", len(logs), "file", filename)
	}
	return nil
}

// blockWindow resolves the -from/-to flags against the chain head.
func blockWindow(from, to int64, latest uint64) (uint64, uint64) {
	end := latest
	if to >= 0 && uint64(to) < latest {
		end = uint64(to)
	}
	if from < 0 {
		if end < 1000 {
			return 0, end
		}
		return end - 1000, end
	}
	if uint64(from) > end {
		return end, end
	}
	return uint64(from), end
}

func logFixtures(logs []types.Log, blockTimes map[uint64]uint64) []replay.EVMLogFixture {
	out := make([]replay.EVMLogFixture, 0, len(logs))
	for _, l := range logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out = append(out, replay.EVMLogFixture{
			Address:     l.Address.Hex(),
			Topics:      topics,
			Data:        "0x" + common.Bytes2Hex(l.Data),
			BlockNumber: l.BlockNumber,
			BlockTime:   blockTimes[l.BlockNumber],
			TxHash:      l.TxHash.Hex(),
			TxIndex:     l.TxIndex,
			BlockHash:   l.BlockHash.Hex(),
			LogIndex:    l.Index,
			Removed:     l.Removed,
		})
	}
	return out
}

// recordSolanaAccounts snapshots every account owned by the bridge program.
func recordSolanaAccounts(ctx context.Context, cfg Config, logger *slog.Logger) error {
	program, err := solana.PublicKeyFromBase58(cfg.Contract)
	if err != nil {
		return fmt.Errorf("invalid Solana program id: %w", err)
	}

	client := rpc.New(cfg.Endpoint)
	slot, err := client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("failed to get slot: %w", err)
	}

	accounts, err := client.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch program accounts: %w", err)
	}

	fixtures := make([]replay.SolanaAccountFixture, 0, len(accounts))
	for _, acc := range accounts {
		if acc == nil || acc.Account == nil {
			continue
		}
		fixtures = append(fixtures, accountFixture(acc.Pubkey, acc.Account.Owner, acc.Account.Lamports, acc.Account.Data.GetBinary(), slot))
	}

	fixture, err := replay.NewFixture(cfg.Chain.String(), replay.FixtureAccounts, slot, fixtures)
	if err != nil {
		return err
	}
	filename := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_accounts_%d.json", cfg.Chain, slot))
	if err := replay.SaveFixture(filename, fixture); err != nil {
		return err
	}

	logger.Info("recorded program accounts",
		"program", cfg.Contract,
		"slot", slot,
		"count", len(fixtures),
		"file", filename,
	)
	return nil
}

func accountFixture(pubkey, owner solana.PublicKey, lamports uint64, data []byte, slot uint64) replay.SolanaAccountFixture {
	f := replay.SolanaAccountFixture{
		Pubkey:   pubkey.String(),
		Owner:    owner.String(),
		Slot:     slot,
		Lamports: lamports,
		DataLen:  len(data),
	}
	if len(data) <= maxAccountData {
		f.Data = base64.StdEncoding.EncodeToString(data)
	}
	return f
}
