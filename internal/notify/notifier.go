// Package notify publishes bridge lifecycle notifications to external
// pub/sub systems.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/marko911/bridge-pulse/internal/platform/metrics"
)

// Message is one encoded notification.
type Message struct {
	// ID is unique per notification; subscribers and brokers dedup on it.
	ID    string `json:"id"`
	Topic string `json:"topic"`
	// Key groups messages that must stay ordered, usually an operation id.
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Sink delivers messages to one external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Keyed payloads choose their own message key.
type Keyed interface {
	NotificationKey() string
}

type Config struct {
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// QueueSize bounds the messages buffered per sink. Publish drops
	// messages for a sink whose queue is full.
	QueueSize int `yaml:"queue_size"`
	// DrainTimeout bounds how long Close waits for queued messages.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

func DefaultConfig() Config {
	return Config{
		PublishTimeout: 5 * time.Second,
		QueueSize:      1024,
		DrainTimeout:   10 * time.Second,
	}
}

// Notifier fans every notification out to its sinks. Each sink has its own
// bounded queue drained by one goroutine, so a slow sink never blocks
// Publish or the other sinks. Publish never fails: sink errors and drops
// are logged and counted, and never reach the caller.
type Notifier struct {
	cfg     Config
	workers []*sinkWorker
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

type sinkWorker struct {
	sink  Sink
	queue chan Message
	done  chan struct{}
}

func New(cfg Config, logger *slog.Logger, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	n := &Notifier{
		cfg:    cfg,
		logger: logger.With("component", "notifier"),
	}
	for _, s := range sinks {
		w := &sinkWorker{sink: s, queue: make(chan Message, cfg.QueueSize), done: make(chan struct{})}
		n.workers = append(n.workers, w)
		go n.drain(w)
	}
	return n
}

// Encode builds the message for payload.
func Encode(topic string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg := Message{ID: uuid.NewString(), Topic: topic, Payload: data}
	if k, ok := payload.(Keyed); ok {
		msg.Key = k.NotificationKey()
	}
	return msg, nil
}

// Publish queues a notification for every sink and returns without waiting
// for delivery. ctx is not used for delivery, which outlives the caller.
func (n *Notifier) Publish(ctx context.Context, topic string, payload any) {
	msg, err := Encode(topic, payload)
	if err != nil {
		n.logger.Error("failed to encode notification", "topic", topic, "error", err)
		return
	}
	n.enqueue(msg)
}

func (n *Notifier) enqueue(msg Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("notification after close", "topic", msg.Topic, "key", msg.Key)
		return
	}
	if len(n.workers) == 0 {
		n.logger.Debug("notification", "topic", msg.Topic, "key", msg.Key)
		return
	}
	for _, w := range n.workers {
		select {
		case w.queue <- msg:
		default:
			metrics.NotifyDropped.WithLabelValues(w.sink.Name(), msg.Topic).Inc()
			n.logger.Warn("publish queue full, dropping notification",
				"sink", w.sink.Name(), "topic", msg.Topic, "key", msg.Key)
		}
	}
}

func (n *Notifier) drain(w *sinkWorker) {
	defer close(w.done)
	for msg := range w.queue {
		n.send(w.sink, msg)
	}
}

func (n *Notifier) send(s Sink, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.PublishTimeout)
	defer cancel()
	if err := s.Send(ctx, msg); err != nil {
		metrics.NotifyFailures.WithLabelValues(s.Name(), msg.Topic).Inc()
		n.logger.Warn("publish failed", "sink", s.Name(), "topic", msg.Topic, "key", msg.Key, "error", err)
		return
	}
	metrics.NotifyPublished.WithLabelValues(s.Name(), msg.Topic).Inc()
}

// Close stops accepting notifications, waits up to DrainTimeout for the
// queues to empty, then closes every sink.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for _, w := range n.workers {
		close(w.queue)
	}
	n.mu.Unlock()

	deadline := time.NewTimer(n.cfg.DrainTimeout)
	defer deadline.Stop()
	expired := false
	for _, w := range n.workers {
		if !expired {
			select {
			case <-w.done:
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case <-w.done:
		default:
			n.logger.Warn("notification queue not drained", "sink", w.sink.Name(), "pending", len(w.queue))
		}
	}

	var errs error
	for _, w := range n.workers {
		errs = multierr.Append(errs, w.sink.Close())
	}
	return errs
}
