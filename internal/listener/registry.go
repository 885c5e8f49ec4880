// Package listener owns the set of running chain listeners, one per
// (chain, contract, event) key, and their durable checkpoints.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// CheckpointStore persists listener rows and their progress.
type CheckpointStore interface {
	// LoadListenerConfigs returns the rows of listeners that should run.
	LoadListenerConfigs(ctx context.Context) ([]protov1.ListenerConfig, error)
	// RegisterListener upserts an active row. An existing row keeps its
	// checkpoint when cfg carries none; the stored row is returned.
	RegisterListener(ctx context.Context, cfg protov1.ListenerConfig) (protov1.ListenerConfig, error)
	SaveListenerCheckpoint(ctx context.Context, key protov1.ListenerKey, position uint64) error
	SetListenerActive(ctx context.Context, key protov1.ListenerKey, active bool) error
}

type Classifier interface {
	Classify(raw adapter.RawChainEvent, eventName string) (*protov1.DomainEvent, error)
}

type Config struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// DeliveryBuffer sizes the fan-in channel shared by all listeners.
	DeliveryBuffer int `yaml:"delivery_buffer"`
}

func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 10 * time.Second,
		DeliveryBuffer:  64,
	}
}

// Handle refers to a started listener.
type Handle struct {
	l *listener
}

func (h *Handle) Key() protov1.ListenerKey { return h.l.key }

// Done is closed once the listener goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.l.done }

func (h *Handle) Status() Status { return h.l.status() }

// Registry is the single source of truth for which keys are observed.
// Every listener hands its classified events to one shared channel,
// returned by Deliveries, and waits for each to be acknowledged.
type Registry struct {
	cfg        Config
	store      CheckpointStore
	classifier Classifier
	logger     *slog.Logger
	out        chan Delivery

	mu        sync.Mutex
	adapters  map[protov1.Chain]adapter.Adapter
	listeners map[protov1.ListenerKey]*listener
}

func New(cfg Config, store CheckpointStore, classifier Classifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.DeliveryBuffer <= 0 {
		cfg.DeliveryBuffer = def.DeliveryBuffer
	}
	return &Registry{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		logger:     logger.With("component", "listener-registry"),
		out:        make(chan Delivery, cfg.DeliveryBuffer),
		adapters:   make(map[protov1.Chain]adapter.Adapter),
		listeners:  make(map[protov1.ListenerKey]*listener),
	}
}

// AddAdapter makes chain startable. It replaces a previous adapter for the
// same chain; running listeners keep theirs.
func (r *Registry) AddAdapter(chain protov1.Chain, a adapter.Adapter) {
	r.mu.Lock()
	r.adapters[chain] = a
	r.mu.Unlock()
}

func (r *Registry) Adapter(chain protov1.Chain) (adapter.Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[chain]
	return a, ok
}

func (r *Registry) Deliveries() <-chan Delivery {
	return r.out
}

// Start registers cfg durably and starts observing it. The checkpoint is
// recorded before the subscription opens; a row without one starts at the
// chain's latest position.
func (r *Registry) Start(ctx context.Context, cfg protov1.ListenerConfig) (*Handle, error) {
	key := cfg.Key()
	cfg.ListenerKey = key
	logger := r.logger.With("listener", key.String())

	r.mu.Lock()
	if _, ok := r.listeners[key]; ok {
		r.mu.Unlock()
		return nil, &AlreadyActiveError{Key: key}
	}
	ad, ok := r.adapters[key.Chain]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("start %s: %w: %s", key, ErrNoAdapter, key.Chain)
	}
	// reserve the key so a concurrent start of it fails fast
	l := &listener{key: key, state: StateStarting, done: make(chan struct{})}
	r.listeners[key] = l
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.listeners, key)
		r.mu.Unlock()
	}

	if err := ad.ValidateFilter(cfg); err != nil {
		release()
		return nil, err
	}

	cfg.Active = true
	stored, err := r.store.RegisterListener(ctx, cfg)
	if err != nil {
		release()
		return nil, fmt.Errorf("register listener %s: %w", key, err)
	}
	if stored.LastProcessedPosition == 0 {
		latest, err := ad.LatestPosition(ctx)
		if err != nil {
			release()
			return nil, fmt.Errorf("resolve start position for %s: %w", key, err)
		}
		if err := r.store.SaveListenerCheckpoint(ctx, key, latest); err != nil {
			release()
			return nil, fmt.Errorf("save initial checkpoint for %s: %w", key, err)
		}
		stored.LastProcessedPosition = latest
	}

	// listeners outlive the request that started them
	subCtx, cancelSub := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())

	r.mu.Lock()
	l.mu.Lock()
	l.cfg = stored
	l.adapter = ad
	l.classifier = r.classifier
	l.store = r.store
	l.out = r.out
	l.logger = logger
	l.subCtx, l.cancelSub = subCtx, cancelSub
	l.workCtx, l.cancelWork = workCtx, cancelWork
	l.checkpoint = stored.LastProcessedPosition
	l.startedAt = time.Now().UTC()
	l.mu.Unlock()
	r.mu.Unlock()

	go l.run()

	logger.Info("listener started", "adapter", ad.Name(), "checkpoint", stored.LastProcessedPosition)
	return &Handle{l: l}, nil
}

// Stop stops a listener and marks its row inactive so it is not restored.
// In-flight processing finishes before Stop returns, bounded by the
// shutdown timeout.
func (r *Registry) Stop(ctx context.Context, key protov1.ListenerKey) error {
	key = protov1.NewListenerKey(key.Chain, key.ContractAddress, key.EventName)
	l, err := r.claimStop(key)
	if err != nil {
		return err
	}

	stopErr := r.halt(ctx, l)
	if err := r.store.SetListenerActive(ctx, key, false); err != nil {
		r.logger.Error("failed to deactivate listener row", "listener", key.String(), "error", err)
		if stopErr == nil {
			stopErr = fmt.Errorf("deactivate listener %s: %w", key, err)
		}
	}
	return stopErr
}

// StopAll stops every listener concurrently, leaving their rows active for
// the next Restore. Listeners that do not stop within the shutdown timeout
// are abandoned; one error is returned per listener that failed.
func (r *Registry) StopAll(ctx context.Context) []error {
	r.mu.Lock()
	var victims []*listener
	for _, l := range r.listeners {
		if l.cancelSub == nil || l.stopping {
			continue
		}
		l.stopping = true
		victims = append(victims, l)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, l := range victims {
		wg.Add(1)
		go func(l *listener) {
			defer wg.Done()
			if err := r.halt(ctx, l); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	r.logger.Info("all listeners stopped", "count", len(victims), "errors", len(errs))
	return errs
}

func (r *Registry) claimStop(key protov1.ListenerKey) (*listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[key]
	// a listener still starting cannot be stopped yet
	if !ok || l.stopping || l.cancelSub == nil {
		return nil, &NotFoundError{Key: key}
	}
	l.stopping = true
	return l, nil
}

// halt cancels l and waits for it. The key is released either way.
func (r *Registry) halt(ctx context.Context, l *listener) error {
	defer func() {
		r.mu.Lock()
		if r.listeners[l.key] == l {
			delete(r.listeners, l.key)
		}
		r.mu.Unlock()
	}()

	l.cancelSub()
	timer := time.NewTimer(r.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-l.done:
		l.cancelWork()
		l.logger.Info("listener stopped", "checkpoint", l.position())
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	l.cancelWork()
	l.logger.Error("listener abandoned", "timeout", r.cfg.ShutdownTimeout)
	return fmt.Errorf("stop %s: %w", l.key, ErrStopTimeout)
}

// Restore starts every active row in the checkpoint store. Rows that fail
// to start are reported and skipped.
func (r *Registry) Restore(ctx context.Context) []error {
	cfgs, err := r.store.LoadListenerConfigs(ctx)
	if err != nil {
		return []error{fmt.Errorf("load listener configs: %w", err)}
	}

	var errs []error
	for _, cfg := range cfgs {
		if _, err := r.Start(ctx, cfg); err != nil {
			r.logger.Error("failed to restore listener", "listener", cfg.Key().String(), "error", err)
			errs = append(errs, err)
		}
	}
	r.logger.Info("listeners restored", "count", len(cfgs)-len(errs), "failed", len(errs))
	return errs
}

func (r *Registry) List() []Status {
	r.mu.Lock()
	ls := make([]*listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	out := make([]Status, len(ls))
	for i, l := range ls {
		out[i] = l.status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (r *Registry) Get(key protov1.ListenerKey) (Status, bool) {
	key = protov1.NewListenerKey(key.Chain, key.ContractAddress, key.EventName)
	r.mu.Lock()
	l, ok := r.listeners[key]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return l.status(), true
}
