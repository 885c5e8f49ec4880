// Package kafka provides Kafka/Redpanda utilities for topic management.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string `yaml:"name"`
	Partitions        int32  `yaml:"partitions"`
	ReplicationFactor int16  `yaml:"replication_factor"`
	RetentionMs       int64  `yaml:"retention_ms"`
	CleanupPolicy     string `yaml:"cleanup_policy"`
}

// DefaultBridgeEventsTopic is keyed by operation id, so partitions preserve
// per-operation order.
func DefaultBridgeEventsTopic() TopicConfig {
	return TopicConfig{
		Name:              "bridge-events",
		Partitions:        12,
		ReplicationFactor: 1,
		RetentionMs:       7 * 24 * 60 * 60 * 1000, // 7 days
		CleanupPolicy:     "delete",
	}
}

// SplitBrokers parses a comma-separated broker list.
func SplitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicManager manages Kafka topics.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManager administers topics through an existing client; closing
// the manager closes that client.
func NewTopicManager(client *kgo.Client) *TopicManager {
	return &TopicManager{admin: kadm.NewClient(client)}
}

// EnsureTopics creates topics if they don't exist.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
	}

	return nil
}

// CreateTopic creates a single topic with the given configuration.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   kadm.StringPtr(fmt.Sprintf("%d", cfg.RetentionMs)),
			"cleanup.policy": kadm.StringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}

	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	return nil
}

// WaitForTopic waits for a topic to be available.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		topics, err := m.admin.ListTopics(ctx, topic)
		if err == nil && topics.Has(topic) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("timeout waiting for topic %s", topic)
}
