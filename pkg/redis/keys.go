package redis

import "fmt"

// Keyspace builds the coordination keys every component shares. Keeping the
// layout in one place means an operator can reason about the whole cluster
// state from a single naming scheme.
type Keyspace struct {
	Prefix string
}

// NewKeyspace creates a Keyspace. An empty prefix defaults to "axon".
func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = "axon"
	}
	return Keyspace{Prefix: prefix}
}

func (k Keyspace) key(parts ...interface{}) string {
	out := k.Prefix
	for _, p := range parts {
		out += fmt.Sprintf(":%v", p)
	}
	return out
}

// Server returns the registry hash key for one gateway node.
func (k Keyspace) Server(serverID string) string { return k.key("server", serverID) }

// ServerSessions returns the set of session ids owned by one node.
func (k Keyspace) ServerSessions(serverID string) string {
	return k.key("server", serverID, "sessions")
}

// Session returns the hash key for one session.
func (k Keyspace) Session(sessionID string) string { return k.key("session", sessionID) }

// OrgSessions returns the set of session ids of one organization.
func (k Keyspace) OrgSessions(orgID string) string { return k.key("org", orgID, "sessions") }

// UserServer returns the key mapping a user to the node holding their socket.
func (k Keyspace) UserServer(userID string) string { return k.key("user", userID, "server") }

// TenantCounter returns a rate-limit counter key for a window bucket.
func (k Keyspace) TenantCounter(orgID, kind string, bucket int64) string {
	return k.key("tenant", orgID, kind, bucket)
}

// QuotaCounter returns an hourly quota counter key.
func (k Keyspace) QuotaCounter(orgID, kind string, hourBucket int64) string {
	return k.key("quota", orgID, kind, hourBucket)
}

// Stream returns the per-(org, channel) event stream key.
func (k Keyspace) Stream(orgID, channel string) string { return k.key("stream", orgID, channel) }

// FanInStream returns the cluster-wide stream the delivery engine consumes.
func (k Keyspace) FanInStream() string { return k.key("events") }

// ClusterChannel returns the pubsub channel for cross-server routing.
func (k Keyspace) ClusterChannel() string { return k.key("cluster", "events") }

// Delivered returns the exactly-once bookkeeping key for one (event, endpoint).
func (k Keyspace) Delivered(eventID, endpointID string) string {
	return k.key("delivered", eventID, endpointID)
}
