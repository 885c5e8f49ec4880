package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/adapter/evm"
	"github.com/marko911/bridge-pulse/internal/adapter/replay"
	"github.com/marko911/bridge-pulse/internal/adapter/solana"
	"github.com/marko911/bridge-pulse/internal/api"
	"github.com/marko911/bridge-pulse/internal/bridge"
	"github.com/marko911/bridge-pulse/internal/classifier"
	"github.com/marko911/bridge-pulse/internal/listener"
	"github.com/marko911/bridge-pulse/internal/notify"
	"github.com/marko911/bridge-pulse/internal/platform/lock"
	pnats "github.com/marko911/bridge-pulse/internal/platform/nats"
	"github.com/marko911/bridge-pulse/internal/platform/objectstore"
	"github.com/marko911/bridge-pulse/internal/platform/storage"
	"github.com/marko911/bridge-pulse/internal/platform/storage/memory"
	"github.com/marko911/bridge-pulse/internal/wasm"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// App is a fully wired engine and the resources it holds.
type App struct {
	Engine   *Engine
	Notifier *notify.Notifier

	// Hub streams notifications to WebSocket clients of the API.
	Hub *api.Hub

	checks  map[string]func(ctx context.Context) error
	closers []func() error
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Health runs every dependency check and reports the failures by name.
func (a *App) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			out[name] = err
		}
	}
	return out
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}

// Build wires storage, locking, notification sinks, decoders and adapters
// from cfg. Listeners named in cfg are registered durably; Run starts them.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{checks: make(map[string]func(ctx context.Context) error)}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	var (
		store       bridge.Store
		checkpoints listener.CheckpointStore
		outbox      *storage.OutboxRepository
	)
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := storage.New(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		app.onClose(func() error { db.Close(); return nil })
		app.checks["postgres"] = db.Health
		if cfg.Storage.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		store = storage.NewBridgeRepository(db)
		checkpoints = storage.NewListenerRepository(db)
		outbox = storage.NewOutboxRepository(db)
		logger.Info("using postgres storage", "host", cfg.Storage.Postgres.Host, "database", cfg.Storage.Postgres.Database)
	default:
		mem := memory.New()
		store, checkpoints = mem, mem
		logger.Warn("using in-memory storage; state is lost on exit")
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Engine.Lock == "redis" {
		r, err := lock.NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.onClose(r.Close)
		locker = r
	}

	var sinks []notify.Sink
	if cfg.Notify.Outbox.Enabled {
		sinks = append(sinks, notify.NewOutboxSink(outbox))
	} else {
		brokers, err := BrokerSinks(ctx, cfg.Notify, logger)
		if err != nil {
			return nil, err
		}
		sinks = brokers
	}
	app.Hub = api.NewHub(cfg.HTTP.AllowedOrigins, logger)
	sinks = append(sinks, app.Hub)
	app.Notifier = notify.New(cfg.Notify.Config, logger, sinks...)
	app.onClose(app.Notifier.Close)

	var objects classifier.ObjectGetter
	if cfg.ObjectStore.Endpoint != "" {
		bucket, err := objectstore.New(cfg.ObjectStore, logger)
		if err != nil {
			return nil, err
		}
		app.checks["objectstore"] = bucket.Health
		objects = bucket
	}

	cls := classifier.New(logger)
	var rt *wasm.Runtime
	for _, dc := range cfg.Decoders {
		if dc.Type == DecoderWASM && rt == nil {
			if rt, err = wasm.NewRuntime(cfg.WASM, logger); err != nil {
				return nil, fmt.Errorf("wasm runtime: %w", err)
			}
			app.onClose(func() error { rt.Close(); return nil })
		}
		d, err := buildDecoder(ctx, dc, objects, rt, logger)
		if err != nil {
			return nil, fmt.Errorf("decoder %s/%s: %w", dc.Chain, dc.Contract, err)
		}
		cls.Register(dc.Chain, dc.Contract, d)
	}

	registry := listener.New(cfg.Engine.Listener, checkpoints, cls, logger)
	for name, cc := range cfg.Chains {
		chain, err := protov1.ParseChain(name)
		if err != nil {
			return nil, err
		}
		ad, err := buildAdapter(chain, cc, cls, logger)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", name, err)
		}
		if c, ok := ad.(io.Closer); ok {
			app.onClose(c.Close)
		}
		app.checks["adapter:"+chain.String()] = ad.Health
		registry.AddAdapter(chain, ad)
	}

	for _, lc := range cfg.Listeners {
		if _, err := checkpoints.RegisterListener(ctx, lc); err != nil {
			return nil, fmt.Errorf("register listener %s: %w", lc.Key(), err)
		}
	}

	machine := bridge.NewMachine(bridge.Config{
		ProofThreshold: cfg.Engine.ProofThreshold,
		MaxInFlight:    cfg.Engine.MaxInFlight,
		ExpireBatch:    cfg.Engine.ExpireBatch,
	}, store, locker, logger, bridge.WithPublisher(app.Notifier))

	app.Engine = New(cfg.Engine, registry, machine, app.Notifier, logger)
	return app, nil
}

// BrokerSinks connects the enabled NATS and Kafka sinks.
func BrokerSinks(ctx context.Context, cfg NotifyConfig, logger *slog.Logger) (sinks []notify.Sink, err error) {
	defer func() {
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
		}
	}()

	if cfg.NATS.Enabled {
		client, err := pnats.Connect(ctx, cfg.NATS.Config, logger)
		if err != nil {
			return sinks, fmt.Errorf("nats connect: %w", err)
		}
		s, err := notify.NewJetStreamSink(ctx, client, pnats.DefaultBridgeEventsStreamConfig())
		if err != nil {
			client.Close()
			return sinks, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Kafka.Enabled {
		s, err := notify.NewKafkaSink(ctx, cfg.Kafka.KafkaConfig)
		if err != nil {
			return sinks, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func buildDecoder(ctx context.Context, dc DecoderConfig, objects classifier.ObjectGetter, rt *wasm.Runtime, logger *slog.Logger) (classifier.Decoder, error) {
	switch dc.Type {
	case DecoderLayerZeroONFT:
		return classifier.NewLayerZeroONFTDecoder()
	case DecoderMessageRecord:
		return classifier.NewMessageRecordDecoder(), nil
	case DecoderABI:
		abiJSON, err := classifier.LoadArtifact(ctx, dc.Artifact, objects)
		if err != nil {
			return nil, err
		}
		return classifier.NewBindingDecoder(abiJSON, dc.Bindings)
	case DecoderWASM:
		return wasm.LoadDecoder(ctx, rt, dc.Artifact, objects, logger)
	}
	return nil, fmt.Errorf("unknown decoder type %q", dc.Type)
}

func buildAdapter(chain protov1.Chain, cc ChainConfig, cls *classifier.Classifier, logger *slog.Logger) (adapter.Adapter, error) {
	switch cc.Family {
	case FamilyEVM:
		ecfg := evm.DefaultConfig(chain)
		ecfg.URL = cc.RPCURL
		ecfg.Confirmations = cc.Confirmations
		if cc.PollInterval > 0 {
			ecfg.PollInterval = cc.PollInterval
		}
		if cc.MaxBlockRange > 0 {
			ecfg.MaxBlockRange = cc.MaxBlockRange
		}
		if cc.RateLimit > 0 {
			ecfg.RateLimit = cc.RateLimit
		}
		if cc.RateBurst > 0 {
			ecfg.RateBurst = cc.RateBurst
		}
		return evm.NewAdapter(ecfg, logger, evm.WithTopicResolver(cls.Topic0))
	case FamilySolana:
		scfg := solana.DefaultConfig()
		scfg.RPCURL = cc.RPCURL
		scfg.WSURL = cc.WSURL
		if cc.Commitment != "" {
			scfg.Commitment = cc.Commitment
		}
		return solana.New(scfg, logger)
	case FamilyReplay:
		return replay.NewFileSource(replay.Config{
			Chain:         chain,
			FixturesDir:   cc.Fixtures,
			PlaybackSpeed: cc.PlaybackSpeed,
		}, logger), nil
	}
	return nil, fmt.Errorf("unknown family %q", cc.Family)
}
