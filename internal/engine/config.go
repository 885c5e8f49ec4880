package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/bridge-pulse/internal/classifier"
	"github.com/marko911/bridge-pulse/internal/listener"
	"github.com/marko911/bridge-pulse/internal/notify"
	"github.com/marko911/bridge-pulse/internal/platform/lock"
	pnats "github.com/marko911/bridge-pulse/internal/platform/nats"
	"github.com/marko911/bridge-pulse/internal/platform/objectstore"
	"github.com/marko911/bridge-pulse/internal/platform/storage"
	"github.com/marko911/bridge-pulse/internal/wasm"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// Config is the whole engine configuration file.
type Config struct {
	Engine      EngineConfig             `yaml:"engine"`
	Chains      map[string]ChainConfig   `yaml:"chains"`
	Decoders    []DecoderConfig          `yaml:"decoders"`
	Listeners   []protov1.ListenerConfig `yaml:"listeners"`
	Storage     StorageConfig            `yaml:"storage"`
	Redis       lock.RedisConfig         `yaml:"redis"`
	Notify      NotifyConfig             `yaml:"notify"`
	ObjectStore objectstore.Config       `yaml:"objectstore"`
	WASM        wasm.RuntimeConfig       `yaml:"wasm"`
	HTTP        HTTPConfig               `yaml:"http"`
}

type EngineConfig struct {
	ProofThreshold int           `yaml:"proof_threshold"`
	MaxInFlight    time.Duration `yaml:"max_in_flight"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ExpireBatch    int           `yaml:"expire_batch"`
	Workers        int           `yaml:"workers"`
	// Lock is "local" for a single replica or "redis" when several
	// replicas share one database.
	Lock     string          `yaml:"lock"`
	Listener listener.Config `yaml:"listener"`
}

// ChainConfig selects and configures the adapter of one chain. Fields that
// do not apply to the family are ignored.
type ChainConfig struct {
	// Family is evm, solana or replay.
	Family        string        `yaml:"family"`
	RPCURL        string        `yaml:"rpc_url"`
	WSURL         string        `yaml:"ws_url"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Confirmations uint64        `yaml:"confirmations"`
	MaxBlockRange uint64        `yaml:"max_block_range"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
	Commitment    string        `yaml:"commitment"`
	Fixtures      string        `yaml:"fixtures"`
	PlaybackSpeed float64       `yaml:"playback_speed"`
}

const (
	FamilyEVM    = "evm"
	FamilySolana = "solana"
	FamilyReplay = "replay"
)

// DecoderConfig installs a decoder for one contract.
type DecoderConfig struct {
	Chain    protov1.Chain `yaml:"chain"`
	Contract string        `yaml:"contract"`
	// Type is layerzero-onft, abi, message-record or wasm.
	Type string `yaml:"type"`
	// Artifact references the ABI or module: bundled:..., file:... or an
	// object key.
	Artifact string                        `yaml:"artifact"`
	Bindings map[string]classifier.Binding `yaml:"bindings"`
}

const (
	DecoderLayerZeroONFT = "layerzero-onft"
	DecoderABI           = "abi"
	DecoderMessageRecord = "message-record"
	DecoderWASM          = "wasm"
)

type StorageConfig struct {
	// Driver is postgres or memory.
	Driver   string         `yaml:"driver"`
	Postgres storage.Config `yaml:"postgres"`
	Migrate  bool           `yaml:"migrate"`
}

type NotifyConfig struct {
	notify.Config `yaml:",inline"`
	NATS          NATSNotifyConfig   `yaml:"nats"`
	Kafka         KafkaNotifyConfig  `yaml:"kafka"`
	Outbox        OutboxNotifyConfig `yaml:"outbox"`
}

type NATSNotifyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	pnats.Config `yaml:",inline"`
}

type KafkaNotifyConfig struct {
	Enabled            bool `yaml:"enabled"`
	notify.KafkaConfig `yaml:",inline"`
}

// OutboxNotifyConfig routes notifications through the Postgres outbox. When
// enabled the broker sinks are driven by the relay instead of the engine.
type OutboxNotifyConfig struct {
	Enabled bool               `yaml:"enabled"`
	Relay   notify.RelayConfig `yaml:"relay"`
}

// HTTPConfig configures the API listener. An empty AllowedOrigins accepts
// WebSocket upgrades from any origin.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			ProofThreshold: 1,
			MaxInFlight:    24 * time.Hour,
			SweepInterval:  time.Minute,
			ExpireBatch:    100,
			Workers:        8,
			Lock:           "local",
			Listener:       listener.DefaultConfig(),
		},
		Storage: StorageConfig{
			Driver:   "memory",
			Postgres: storage.DefaultConfig(),
			Migrate:  true,
		},
		Redis: lock.DefaultRedisConfig(),
		Notify: NotifyConfig{
			Config: notify.DefaultConfig(),
			NATS:   NATSNotifyConfig{Config: pnats.DefaultConfig()},
			Kafka:  KafkaNotifyConfig{KafkaConfig: notify.DefaultKafkaConfig()},
			Outbox: OutboxNotifyConfig{Relay: notify.DefaultRelayConfig()},
		},
		WASM: wasm.DefaultRuntimeConfig(),
		HTTP: HTTPConfig{Addr: ":9090"},
	}
}

// LoadConfig reads path over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Engine.ProofThreshold < 1 {
		return fmt.Errorf("engine.proof_threshold must be at least 1")
	}
	if c.Engine.MaxInFlight <= 0 {
		return fmt.Errorf("engine.max_in_flight must be positive")
	}
	switch c.Engine.Lock {
	case "", "local", "redis":
	default:
		return fmt.Errorf("engine.lock: unknown locker %q", c.Engine.Lock)
	}
	switch c.Storage.Driver {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Notify.Outbox.Enabled && c.Storage.Driver != "postgres" {
		return fmt.Errorf("notify.outbox requires the postgres storage driver")
	}

	for name, cc := range c.Chains {
		chain, err := protov1.ParseChain(name)
		if err != nil {
			return fmt.Errorf("chains.%s: %w", name, err)
		}
		switch cc.Family {
		case FamilyEVM:
			if !chain.IsEVM() {
				return fmt.Errorf("chains.%s: evm family on a non-EVM chain", name)
			}
			if cc.RPCURL == "" {
				return fmt.Errorf("chains.%s: rpc_url is required", name)
			}
		case FamilySolana:
			if chain != protov1.Chain_CHAIN_SOLANA {
				return fmt.Errorf("chains.%s: solana family on %s", name, chain)
			}
			if cc.RPCURL == "" {
				return fmt.Errorf("chains.%s: rpc_url is required", name)
			}
		case FamilyReplay:
			if cc.Fixtures == "" {
				return fmt.Errorf("chains.%s: fixtures is required", name)
			}
		default:
			return fmt.Errorf("chains.%s: unknown family %q", name, cc.Family)
		}
	}

	for i, d := range c.Decoders {
		switch d.Type {
		case DecoderLayerZeroONFT, DecoderMessageRecord:
		case DecoderABI, DecoderWASM:
			if d.Artifact == "" {
				return fmt.Errorf("decoders[%d]: %s decoder needs an artifact", i, d.Type)
			}
		default:
			return fmt.Errorf("decoders[%d]: unknown type %q", i, d.Type)
		}
		if d.Contract == "" {
			return fmt.Errorf("decoders[%d]: contract is required", i)
		}
	}
	return nil
}
