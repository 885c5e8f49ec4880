// Package replay provides an adapter that replays recorded chain fixtures
// for deterministic local runs and tests.
package replay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// Config holds configuration for FileSource.
type Config struct {
	Chain protov1.Chain `yaml:"-"`

	// Path to fixtures directory
	FixturesDir string `yaml:"fixtures"`

	// Playback speed (0 = instant, 1.0 = realtime based on timestamps)
	PlaybackSpeed float64 `yaml:"playback_speed"`
}

// FileSource implements adapter.Adapter by streaming events from fixture files.
type FileSource struct {
	cfg    Config
	logger *slog.Logger
}

var _ adapter.Adapter = (*FileSource)(nil)

// NewFileSource creates a new FileSource for replaying fixtures.
func NewFileSource(cfg Config, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		cfg:    cfg,
		logger: logger.With("component", "replay-adapter", "chain", cfg.Chain.String()),
	}
}

func (s *FileSource) Name() string {
	return s.cfg.Chain.String()
}

// ValidateFilter accepts any criteria: fixtures were filtered when recorded.
func (s *FileSource) ValidateFilter(cfg protov1.ListenerConfig) error {
	return nil
}

func (s *FileSource) LatestPosition(ctx context.Context) (uint64, error) {
	events, err := s.load()
	if err != nil {
		return 0, err
	}
	var latest uint64
	for _, ev := range events {
		if ev.Position > latest {
			latest = ev.Position
		}
	}
	return latest, nil
}

func (s *FileSource) Health(ctx context.Context) error {
	if _, err := os.Stat(s.cfg.FixturesDir); err != nil {
		return fmt.Errorf("fixtures dir: %w", err)
	}
	return nil
}

// Subscribe emits the recorded events of cfg's contract after its last
// processed position, then a watermark, then idles until stopped.
func (s *FileSource) Subscribe(ctx context.Context, cfg protov1.ListenerConfig) (*adapter.Stream, error) {
	all, err := s.load()
	if err != nil {
		return nil, err
	}

	contract := protov1.NormalizeAddress(s.cfg.Chain, cfg.ContractAddress)
	var events []adapter.RawChainEvent
	for _, ev := range all {
		if ev.ContractAddress == contract && ev.Position > cfg.LastProcessedPosition {
			events = append(events, ev)
		}
	}
	setCheckpoints(events)

	s.logger.Info("starting fixture replay",
		"listener", cfg.Key().String(),
		"events", len(events),
		"playback_speed", s.cfg.PlaybackSpeed,
	)

	return adapter.NewStream(ctx, 16, func(ctx context.Context, out chan<- adapter.RawChainEvent) {
		var lastTimestamp int64
		for _, ev := range events {
			if s.cfg.PlaybackSpeed > 0 && lastTimestamp > 0 && ev.Timestamp > lastTimestamp {
				delay := time.Duration(float64(ev.Timestamp-lastTimestamp)/s.cfg.PlaybackSpeed) * time.Second
				if delay > 0 && delay < 60*time.Second {
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
				}
			}
			lastTimestamp = ev.Timestamp

			if !adapter.Emit(ctx, out, ev) {
				return
			}
		}
		if n := len(events); n > 0 {
			last := events[n-1].Position
			if !adapter.Emit(ctx, out, adapter.RawChainEvent{Chain: s.cfg.Chain, Position: last, Checkpoint: last, Watermark: true}) {
				return
			}
		}
		s.logger.Info("fixture replay completed", "listener", cfg.Key().String())
		<-ctx.Done()
	}), nil
}

// setCheckpoints applies the same rule as the live adapters: a position is
// only safe once its last event has been seen.
func setCheckpoints(events []adapter.RawChainEvent) {
	for i := range events {
		if i == len(events)-1 || events[i+1].Position != events[i].Position {
			events[i].Checkpoint = events[i].Position
		} else {
			events[i].Checkpoint = events[i].Position - 1
		}
	}
}

// load reads every fixture of the configured chain, ordered by (position, index).
func (s *FileSource) load() ([]adapter.RawChainEvent, error) {
	files, err := s.findFixtureFiles()
	if err != nil {
		return nil, fmt.Errorf("find fixture files: %w", err)
	}
	if len(files) == 0 {
		s.logger.Warn("no fixture files found", "dir", s.cfg.FixturesDir)
	}

	var events []adapter.RawChainEvent
	for _, file := range files {
		fileEvents, err := s.loadFixtureFile(file)
		if err != nil {
			s.logger.Warn("failed to load fixture", "file", file, "error", err)
			continue
		}
		events = append(events, fileEvents...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Position != events[j].Position {
			return events[i].Position < events[j].Position
		}
		return events[i].Index < events[j].Index
	})
	return events, nil
}

// findFixtureFiles returns the sorted list of fixture files.
func (s *FileSource) findFixtureFiles() ([]string, error) {
	var files []string

	err := filepath.Walk(s.cfg.FixturesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func (s *FileSource) loadFixtureFile(path string) ([]adapter.RawChainEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fixture Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	chain, err := protov1.ParseChain(fixture.Chain)
	if err != nil {
		return nil, err
	}
	if chain != s.cfg.Chain {
		return nil, nil
	}

	switch fixture.Type {
	case FixtureLogs:
		return s.parseLogs(fixture)
	case FixtureAccounts:
		return s.parseAccounts(fixture)
	default:
		s.logger.Debug("skipping fixture type", "file", path, "type", fixture.Type)
		return nil, nil
	}
}

func (s *FileSource) parseLogs(fixture Fixture) ([]adapter.RawChainEvent, error) {
	var logs []EVMLogFixture
	if err := json.Unmarshal(fixture.Data, &logs); err != nil {
		return nil, fmt.Errorf("parse logs: %w", err)
	}

	events := make([]adapter.RawChainEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ts := int64(log.BlockTime)
		if ts == 0 {
			ts = fixture.RecordedAt.Unix()
		}
		events = append(events, adapter.RawChainEvent{
			Chain:           s.cfg.Chain,
			ContractAddress: strings.ToLower(log.Address),
			Position:        log.BlockNumber,
			Identifier:      log.TxHash,
			TxIdentifier:    log.TxHash,
			Index:           uint32(log.LogIndex),
			Timestamp:       ts,
			Topics:          log.Topics,
			Payload:         common.FromHex(log.Data),
		})
	}
	return events, nil
}

func (s *FileSource) parseAccounts(fixture Fixture) ([]adapter.RawChainEvent, error) {
	var accounts []SolanaAccountFixture
	if err := json.Unmarshal(fixture.Data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}

	events := make([]adapter.RawChainEvent, 0, len(accounts))
	for _, acct := range accounts {
		data, err := base64.StdEncoding.DecodeString(acct.Data)
		if err != nil {
			return nil, fmt.Errorf("account %s data: %w", acct.Pubkey, err)
		}
		slot := acct.Slot
		if slot == 0 {
			slot = fixture.BlockNumber
		}
		txID := acct.Signature
		if txID == "" {
			txID = fmt.Sprintf("%s@%d", acct.Pubkey, slot)
		}
		ts := acct.BlockTime
		if ts == 0 {
			ts = fixture.RecordedAt.Unix()
		}
		events = append(events, adapter.RawChainEvent{
			Chain:           s.cfg.Chain,
			ContractAddress: acct.Owner,
			Position:        slot,
			Identifier:      acct.Pubkey,
			TxIdentifier:    txID,
			Timestamp:       ts,
			Payload:         data,
		})
	}
	return events, nil
}
