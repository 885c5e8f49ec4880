// Package engine runs the orchestration loop: it fans classified events in
// from every listener, applies them to the bridge state machine on a worker
// pool, sweeps stale operations, and exposes the command surface.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/bridge-pulse/internal/bridge"
	"github.com/marko911/bridge-pulse/internal/listener"
	"github.com/marko911/bridge-pulse/internal/notify"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// Engine owns the listener registry and the state machine.
type Engine struct {
	cfg       EngineConfig
	registry  *listener.Registry
	machine   *bridge.Machine
	publisher bridge.Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

func New(cfg EngineConfig, registry *listener.Registry, machine *bridge.Machine, publisher bridge.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig().Engine
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if publisher == nil {
		publisher = discard{}
	}
	if cfg.Listener.ShutdownTimeout <= 0 {
		cfg.Listener.ShutdownTimeout = def.Listener.ShutdownTimeout
	}
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		machine:   machine,
		publisher: publisher,
		logger:    logger.With("component", "engine"),
	}
}

type discard struct{}

func (discard) Publish(context.Context, string, any) {}

// Run restores persisted listeners and processes deliveries until ctx is
// cancelled. On shutdown listeners are stopped first, while the workers
// keep acknowledging, so every in-flight event either commits or is
// replayed after restart.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	var errs error
	for _, err := range e.registry.Restore(ctx) {
		errs = multierr.Append(errs, err)
	}

	// in-flight applies finish even though ctx is done
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	work := make(chan listener.Delivery)
	var workers errgroup.Group
	for i := 0; i < e.cfg.Workers; i++ {
		workers.Go(func() error {
			for d := range work {
				e.handle(workCtx, d)
			}
			return nil
		})
	}

	halted := make(chan struct{})
	var loops errgroup.Group
	loops.Go(func() error {
		defer close(work)
		e.dispatch(halted, work)
		return nil
	})
	loops.Go(func() error {
		e.sweepLoop(ctx)
		return nil
	})

	e.logger.Info("engine running", "workers", e.cfg.Workers, "listeners", len(e.registry.List()))
	<-ctx.Done()
	e.logger.Info("engine stopping")

	stopCtx, cancel := context.WithTimeout(workCtx, e.cfg.Listener.ShutdownTimeout)
	for _, err := range e.registry.StopAll(stopCtx) {
		errs = multierr.Append(errs, err)
	}
	cancel()

	close(halted)
	_ = loops.Wait()
	_ = workers.Wait()

	e.logger.Info("engine stopped")
	return errs
}

// dispatch is the fan-in select loop.
func (e *Engine) dispatch(halted <-chan struct{}, work chan<- listener.Delivery) {
	deliveries := e.registry.Deliveries()
	for {
		select {
		case <-halted:
			return
		case d := <-deliveries:
			select {
			case work <- d:
			case <-halted:
				// the listener is gone; the event replays from its checkpoint
				return
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, d listener.Delivery) {
	ev := d.Event
	if !ev.Kind.DrivesBridge() {
		e.publisher.Publish(ctx, notify.TopicEventObserved, ev)
		d.Ack(nil)
		return
	}

	_, err := e.machine.Apply(ctx, ev)
	if err != nil && bridge.IsPermanent(err) {
		// replaying a rejected event can never succeed
		err = nil
	}
	d.Ack(err)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep fails operations that exceeded the in-flight window.
func (e *Engine) Sweep(ctx context.Context) int {
	n, err := e.machine.ExpireStale(ctx)
	if err != nil {
		e.logger.Error("sweep failed", "expired", n, "error", err)
	}
	if n > 0 {
		e.logger.Info("expired stale operations", "count", n)
	}
	return n
}

// Running reports whether Run is active, for health checks.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) InitiateBridge(ctx context.Context, req bridge.InitiateRequest) (*protov1.BridgeOperation, error) {
	return e.machine.Initiate(ctx, req)
}

func (e *Engine) RetryFailedBridge(ctx context.Context, operationID string) (*protov1.BridgeOperation, error) {
	return e.machine.Retry(ctx, operationID)
}

func (e *Engine) GetBridgeOperation(ctx context.Context, operationID string) (*protov1.BridgeOperation, error) {
	return e.machine.Get(ctx, operationID)
}

func (e *Engine) ListBridgeOperations(ctx context.Context, f protov1.OperationFilter) ([]*protov1.BridgeOperation, error) {
	return e.machine.List(ctx, f)
}

func (e *Engine) GetVerificationProofs(ctx context.Context, operationID string) ([]protov1.VerificationProof, error) {
	return e.machine.Proofs(ctx, operationID)
}

func (e *Engine) SubmitProof(ctx context.Context, operationID, proofType string, data []byte) (*protov1.VerificationProof, error) {
	return e.machine.SubmitProof(ctx, operationID, proofType, data)
}

func (e *Engine) VerifyProof(ctx context.Context, proofID string) (*protov1.VerificationProof, error) {
	return e.machine.VerifyProof(ctx, proofID)
}

func (e *Engine) IsThresholdMet(ctx context.Context, operationID string) (bool, error) {
	return e.machine.IsThresholdMet(ctx, operationID)
}

// StartListener starts observing cfg. Starting a key that is already
// active fails with listener.ErrAlreadyActive.
func (e *Engine) StartListener(ctx context.Context, cfg protov1.ListenerConfig) (listener.Status, error) {
	h, err := e.registry.Start(ctx, cfg)
	if err != nil {
		return listener.Status{}, err
	}
	return h.Status(), nil
}

func (e *Engine) StopListener(ctx context.Context, key protov1.ListenerKey) error {
	return e.registry.Stop(ctx, key)
}

func (e *Engine) Listeners() []listener.Status {
	return e.registry.List()
}

func (e *Engine) Listener(key protov1.ListenerKey) (listener.Status, bool) {
	return e.registry.Get(key)
}
