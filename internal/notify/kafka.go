package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/bridge-pulse/internal/platform/kafka"
)

type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
	// EnsureTopic creates the topic on startup when missing.
	EnsureTopic bool `yaml:"ensure_topic"`
}

func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:     "localhost:9092",
		Topic:       kafka.DefaultBridgeEventsTopic().Name,
		EnsureTopic: true,
	}
}

// KafkaSink produces every notification to one topic keyed by the message
// key, so per-operation order holds within a partition.
type KafkaSink struct {
	cfg    KafkaConfig
	client *kgo.Client
}

func NewKafkaSink(ctx context.Context, cfg KafkaConfig) (*KafkaSink, error) {
	brokers := kafka.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaConfig().Topic
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	if cfg.EnsureTopic {
		topic := kafka.DefaultBridgeEventsTopic()
		topic.Name = cfg.Topic
		// the admin client shares the producer's connection
		if err := kafka.NewTopicManager(client).EnsureTopics(ctx, []kafka.TopicConfig{topic}); err != nil {
			client.Close()
			return nil, fmt.Errorf("ensure topic %s: %w", cfg.Topic, err)
		}
	}

	return &KafkaSink{cfg: cfg, client: client}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, msg Message) error {
	if err := s.client.ProduceSync(ctx, kafkaRecord(s.cfg.Topic, msg)).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func kafkaRecord(topic string, msg Message) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "message_id", Value: []byte(msg.ID)},
			{Key: "topic", Value: []byte(msg.Topic)},
		},
	}
}

func (s *KafkaSink) Close() error {
	if err := s.client.Flush(context.Background()); err != nil {
		s.client.Close()
		return fmt.Errorf("flush kafka producer: %w", err)
	}
	s.client.Close()
	return nil
}
