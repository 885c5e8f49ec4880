package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/bridge-pulse/internal/platform/nats"
)

// SubjectPrefix is prepended to every topic published to NATS.
const SubjectPrefix = "bridge"

// JetStreamSink publishes to the BRIDGE_EVENTS stream. The message id goes
// out as Nats-Msg-Id so the stream drops redeliveries within its
// duplicate window.
type JetStreamSink struct {
	client *pnats.Client
	js     jetstream.JetStream
}

// NewJetStreamSink connects and ensures the stream exists.
func NewJetStreamSink(ctx context.Context, client *pnats.Client, stream pnats.StreamConfig) (*JetStreamSink, error) {
	if _, err := pnats.EnsureStream(ctx, client.JetStream(), stream); err != nil {
		return nil, err
	}
	return &JetStreamSink{client: client, js: client.JetStream()}, nil
}

func (s *JetStreamSink) Name() string { return "nats" }

func (s *JetStreamSink) Send(ctx context.Context, msg Message) error {
	m := natsMessage(msg)
	if _, err := s.js.PublishMsg(ctx, m); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", m.Subject, err)
	}
	return nil
}

func natsMessage(msg Message) *nats.Msg {
	m := nats.NewMsg(Subject(SubjectPrefix, msg.Topic))
	m.Data = msg.Payload
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	if msg.Key != "" {
		m.Header.Set("Bridge-Key", msg.Key)
	}
	return m
}

func (s *JetStreamSink) Close() error {
	return s.client.Close()
}
