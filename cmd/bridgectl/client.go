package main

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/marko911/bridge-pulse/internal/bridge"
	"github.com/marko911/bridge-pulse/internal/engine"
	"github.com/marko911/bridge-pulse/internal/notify"
	"github.com/marko911/bridge-pulse/internal/platform/lock"
	"github.com/marko911/bridge-pulse/internal/platform/storage"
)

// client wires the same state machine the engine runs over the shared
// database, so commands honour its locking and notification rules.
type client struct {
	machine *bridge.Machine
	closers []func() error
}

func loadConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if configPath != "" {
		loaded, err := engine.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if databaseURL != "" {
		cfg.Storage.Postgres.URL = databaseURL
	}
	return cfg, nil
}

func openDB(ctx context.Context) (*storage.DB, engine.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	db, err := storage.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return nil, cfg, fmt.Errorf("connect postgres: %w", err)
	}
	return db, cfg, nil
}

func newClient(ctx context.Context) (*client, error) {
	db, cfg, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	c := &client{}
	c.closers = append(c.closers, func() error { db.Close(); return nil })

	var locker lock.Locker = lock.NewLocal()
	if cfg.Engine.Lock == "redis" {
		r, err := lock.NewRedis(ctx, cfg.Redis, nil)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.closers = append(c.closers, r.Close)
		locker = r
	}

	var opts []bridge.Option
	if cfg.Notify.Outbox.Enabled {
		n := notify.New(cfg.Notify.Config, nil, notify.NewOutboxSink(storage.NewOutboxRepository(db)))
		c.closers = append(c.closers, n.Close)
		opts = append(opts, bridge.WithPublisher(n))
	}

	c.machine = bridge.NewMachine(bridge.Config{
		ProofThreshold: cfg.Engine.ProofThreshold,
		MaxInFlight:    cfg.Engine.MaxInFlight,
		ExpireBatch:    cfg.Engine.ExpireBatch,
	}, storage.NewBridgeRepository(db), locker, nil, opts...)
	return c, nil
}

func (c *client) Close() error {
	var errs error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, c.closers[i]())
	}
	return errs
}
