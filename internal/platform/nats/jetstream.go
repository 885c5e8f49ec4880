package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines the configuration for a JetStream stream.
// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
type StreamConfig struct {
	Name        string                    `yaml:"name"`
	Subjects    []string                  `yaml:"subjects"`
	Retention   jetstream.RetentionPolicy `yaml:"-"`
	MaxAge      time.Duration             `yaml:"max_age"`
	MaxBytes    int64                     `yaml:"max_bytes"`
	Replicas    int                       `yaml:"replicas"`
	Duplicates  time.Duration             `yaml:"duplicates"`
	Description string                    `yaml:"-"`
}

// DefaultBridgeEventsStreamConfig captures every bridge notification subject.
func DefaultBridgeEventsStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "BRIDGE_EVENTS",
		Subjects:    []string{"bridge.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Bridge operation lifecycle notifications",
	}
}

// EnsureStream creates or updates a JetStream stream. Safe to call repeatedly.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.Duplicates,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// ConsumerConfig defines a durable consumer on the bridge stream.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	DeliverPolicy jetstream.DeliverPolicy
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// DefaultSubscriberConsumerConfig returns a durable consumer for a
// downstream subscriber of bridge notifications.
func DefaultSubscriberConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1000,
	}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		DeliverPolicy: cfg.DeliverPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		FilterSubject: cfg.FilterSubject,
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}
