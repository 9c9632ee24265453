package envelope

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced so several deployments can
// share one Redis server.
//
// Key pattern: tether:{namespace}:{kind}:{...}
// Channel pattern: tether:{namespace}:feature:{feature}

// FeatureChannel returns the Pub/Sub channel carrying a feature's envelopes.
// Pattern: tether:{namespace}:feature:{feature}
func FeatureChannel(namespace, feature string) string {
	return fmt.Sprintf("tether:%s:feature:%s", namespace, feature)
}

// FeatureFromChannel extracts the feature name from a channel built by FeatureChannel.
// Returns false when the channel does not belong to the namespace.
func FeatureFromChannel(namespace, channel string) (string, bool) {
	prefix := fmt.Sprintf("tether:%s:feature:", namespace)
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}

// LockKey returns the Redis key holding the current holder of an entity lock.
// Pattern: tether:{namespace}:lock:{feature}:{entity}:{entity_id}
func LockKey(namespace, feature, entity, entityID string) string {
	return fmt.Sprintf("tether:%s:lock:%s:%s:%s", namespace, feature, entity, entityID)
}
