package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/platform/metrics"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

func (s State) gauge() float64 {
	switch s {
	case StateStarting:
		return metrics.StateStarting
	case StateRunning:
		return metrics.StateRunning
	case StateDegraded:
		return metrics.StateDegraded
	}
	return metrics.StateStopped
}

// Status is a point-in-time view of one listener.
type Status struct {
	Key        protov1.ListenerKey `json:"key"`
	State      State               `json:"state"`
	Checkpoint uint64              `json:"checkpoint"`
	LastError  string              `json:"last_error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	Delivered  uint64              `json:"delivered"`
}

// Delivery is one classified event handed to the consumer of
// Registry.Deliveries. The listener does not move on until Ack is called.
type Delivery struct {
	Key   protov1.ListenerKey
	Event *protov1.DomainEvent
	ack   chan error
}

// Ack reports the outcome of processing. A non-nil error makes the
// listener redeliver the event after a backoff.
func (d Delivery) Ack(err error) {
	select {
	case d.ack <- err:
	default:
	}
}

// listener owns one subscription. subCtx governs the subscription and
// accepting new events; workCtx governs finishing in-flight work and is
// only cancelled when a stop times out.
type listener struct {
	cfg        protov1.ListenerConfig
	key        protov1.ListenerKey
	adapter    adapter.Adapter
	classifier Classifier
	store      CheckpointStore
	out        chan<- Delivery
	logger     *slog.Logger

	subCtx     context.Context
	cancelSub  context.CancelFunc
	workCtx    context.Context
	cancelWork context.CancelFunc
	done       chan struct{}

	mu         sync.Mutex
	state      State
	degraded   bool
	checkpoint uint64
	lastErr    string
	startedAt  time.Time
	delivered  uint64

	// guarded by Registry.mu
	stopping bool
}

func (l *listener) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Key:        l.key,
		State:      l.state,
		Checkpoint: l.checkpoint,
		LastError:  l.lastErr,
		StartedAt:  l.startedAt,
		Delivered:  l.delivered,
	}
}

func (l *listener) setState(s State) {
	l.mu.Lock()
	if l.degraded && s == StateRunning {
		s = StateDegraded
	}
	l.state = s
	l.mu.Unlock()
	metrics.ListenerState.WithLabelValues(l.key.String()).Set(s.gauge())
}

func (l *listener) fail(err error, degrade bool) {
	l.mu.Lock()
	l.lastErr = err.Error()
	if degrade {
		l.degraded = true
		l.state = StateDegraded
	}
	l.mu.Unlock()
	if degrade {
		metrics.ListenerState.WithLabelValues(l.key.String()).Set(StateDegraded.gauge())
	}
}

func (l *listener) position() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint
}

func (l *listener) run() {
	defer close(l.done)
	defer l.setState(StateStopped)

	var backoff adapter.Backoff
	for {
		stream := l.subscribe()
		if stream == nil {
			return
		}
		l.setState(StateRunning)
		backoff.Reset()

		l.consume(stream)
		stream.Stop()
		if l.subCtx.Err() != nil {
			return
		}

		// the adapter gave up on its own; resume from the checkpoint
		l.logger.Warn("stream closed, resubscribing", "checkpoint", l.position())
		l.setState(StateStarting)
		if !backoff.Wait(l.subCtx) {
			return
		}
	}
}

// subscribe opens the stream, retrying connection failures until the
// listener stops. Other errors leave the listener degraded.
func (l *listener) subscribe() *adapter.Stream {
	var stream *adapter.Stream
	err := adapter.Retry(l.subCtx, func(ctx context.Context) error {
		cfg := l.cfg
		cfg.LastProcessedPosition = l.position()
		s, err := l.adapter.Subscribe(ctx, cfg)
		if err != nil {
			if adapter.IsConnectionError(err) {
				return err
			}
			return adapter.Permanent(err)
		}
		stream = s
		return nil
	}, func(err error, next time.Duration) {
		l.fail(err, false)
		l.logger.Warn("subscribe failed, retrying", "error", err, "backoff", next)
	})
	if err != nil {
		if l.subCtx.Err() == nil {
			l.fail(err, true)
			l.logger.Error("subscribe failed", "error", err)
		}
		return nil
	}
	return stream
}

func (l *listener) consume(stream *adapter.Stream) {
	events := stream.Events()
	for {
		select {
		case <-l.subCtx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			if !l.process(raw) {
				return
			}
		}
	}
}

// process classifies, delivers and checkpoints one raw event. It returns
// false when the listener stopped before the event was fully handled.
func (l *listener) process(raw adapter.RawChainEvent) bool {
	ev, err := l.classifier.Classify(raw, l.key.EventName)
	switch {
	case err != nil:
		// a poison event must not wedge the listener
		l.fail(err, true)
		l.logger.Warn("classification failed, skipping event",
			"position", raw.Position,
			"identifier", raw.Identifier,
			"error", err,
		)
	case ev != nil:
		if !l.deliver(ev) {
			return false
		}
	}

	if raw.Checkpoint > l.position() {
		return l.saveCheckpoint(raw.Checkpoint)
	}
	return true
}

func (l *listener) deliver(ev *protov1.DomainEvent) bool {
	var backoff adapter.Backoff
	for {
		d := Delivery{Key: l.key, Event: ev, ack: make(chan error, 1)}
		select {
		case l.out <- d:
		case <-l.subCtx.Done():
			return false
		}

		select {
		case err := <-d.ack:
			if err == nil {
				l.mu.Lock()
				l.delivered++
				l.mu.Unlock()
				return true
			}
			l.fail(err, false)
			l.logger.Warn("event not applied, redelivering", "event_id", ev.ID, "error", err)
		case <-l.workCtx.Done():
			return false
		}

		if !backoff.Wait(l.subCtx) {
			return false
		}
	}
}

func (l *listener) saveCheckpoint(pos uint64) bool {
	err := adapter.Retry(l.workCtx, func(ctx context.Context) error {
		return l.store.SaveListenerCheckpoint(ctx, l.key, pos)
	}, func(err error, next time.Duration) {
		l.logger.Warn("checkpoint write failed, retrying", "position", pos, "error", err, "backoff", next)
	})
	if err != nil {
		return false
	}

	l.mu.Lock()
	l.checkpoint = pos
	l.mu.Unlock()
	metrics.ListenerCheckpoint.WithLabelValues(l.key.String()).Set(float64(pos))
	return true
}
