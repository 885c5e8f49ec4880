package notify

import "strings"

// Topics published by the engine.
const (
	TopicBridgeInitiated = "bridge:initiated"
	TopicBridgeUpdated   = "bridge:updated"
	TopicBridgeCompleted = "bridge:completed"
	TopicProofVerified   = "proof:verified"
	TopicEventObserved   = "event:observed"
)

// Topics lists every topic, for stream and topic provisioning.
var Topics = []string{
	TopicBridgeInitiated,
	TopicBridgeUpdated,
	TopicBridgeCompleted,
	TopicProofVerified,
	TopicEventObserved,
}

// Subject maps a topic to its NATS subject: bridge:updated -> bridge.bridge.updated.
func Subject(prefix, topic string) string {
	return prefix + "." + strings.ReplaceAll(topic, ":", ".")
}
