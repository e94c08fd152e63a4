// Package router fans messages out across gateway nodes over the shared
// pubsub channel. Delivery here is best-effort; durability is the event
// stream's job, and late joiners catch up through replay.
package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

const (
	DefaultMaxSkew        = 30 * time.Second
	DefaultPublishTimeout = 2 * time.Second
)

// Envelope is the wire format on the cluster pubsub channel.
type Envelope struct {
	MessageID    string       `json:"message_id"`
	FromServerID string       `json:"from_server_id"`
	ToServerIDs  []string     `json:"to_server_ids,omitempty"`
	OrgID        string       `json:"org_id"`
	Channel      string       `json:"channel"`
	Event        models.Event `json:"event"`
	SentAt       time.Time    `json:"sent_at"`
}

// Dispatcher delivers an accepted envelope to the node's local sockets.
type Dispatcher interface {
	DispatchLocal(env Envelope)
}

// UserLocator resolves which node holds a user's socket.
type UserLocator interface {
	FindUserServer(ctx context.Context, userID string) (string, error)
}

// Router publishes to and consumes from the cluster channel.
type Router struct {
	pubsub   *pkgredis.TypedPubSub[Envelope]
	keys     pkgredis.Keyspace
	serverID string
	maxSkew  time.Duration
	logger   logging.Logger

	dropped *prometheus.CounterVec
}

// New creates a Router for one node.
func New(client goredis.UniversalClient, keys pkgredis.Keyspace, serverID string, maxSkew time.Duration, dropped *prometheus.CounterVec, logger logging.Logger) *Router {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Router{
		pubsub:   pkgredis.NewTypedPubSub[Envelope](client, logger),
		keys:     keys,
		serverID: serverID,
		maxSkew:  maxSkew,
		logger:   logger,
		dropped:  dropped,
	}
}

func (r *Router) publish(ctx context.Context, env Envelope) error {
	env.MessageID = uuid.New().String()
	env.FromServerID = r.serverID
	env.SentAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, DefaultPublishTimeout)
	defer cancel()

	if err := r.pubsub.Publish(ctx, r.keys.ClusterChannel(), env); err != nil {
		return errs.Unavailable("cross-server publish failed").WithOrg(env.OrgID).WithCause(err)
	}
	return nil
}

// Broadcast delivers an event to every node.
func (r *Router) Broadcast(ctx context.Context, event models.Event) error {
	return r.publish(ctx, Envelope{
		OrgID:   event.OrgID,
		Channel: event.Channel,
		Event:   event,
	})
}

// Target delivers an event to a specific subset of nodes.
func (r *Router) Target(ctx context.Context, serverIDs []string, event models.Event) error {
	return r.publish(ctx, Envelope{
		ToServerIDs: serverIDs,
		OrgID:       event.OrgID,
		Channel:     event.Channel,
		Event:       event,
	})
}

// ToUser delivers an event to the single node holding the user's socket.
// Users without a live session are silently skipped.
func (r *Router) ToUser(ctx context.Context, locator UserLocator, userID string, event models.Event) error {
	serverID, err := locator.FindUserServer(ctx, userID)
	if err != nil {
		return err
	}
	if serverID == "" {
		return nil
	}
	return r.Target(ctx, []string{serverID}, event)
}

// ToChannel delivers a channel event; each node filters to its own
// subscribers, so the wire form is a broadcast.
func (r *Router) ToChannel(ctx context.Context, event models.Event) error {
	return r.Broadcast(ctx, event)
}

// Accept decides whether a received envelope is for this node. Reasoned
// rejections return the drop label for metrics.
func (r *Router) Accept(env Envelope) (bool, string) {
	if env.FromServerID == r.serverID {
		return false, "own_echo"
	}
	if env.ToServerIDs != nil && !contains(env.ToServerIDs, r.serverID) {
		return false, "targeted_elsewhere"
	}
	if !env.SentAt.IsZero() && time.Since(env.SentAt) > r.maxSkew {
		return false, "stale"
	}
	return true, ""
}

// Run subscribes once and dispatches accepted envelopes to the local hub
// until the context is canceled.
func (r *Router) Run(ctx context.Context, dispatcher Dispatcher) error {
	return r.pubsub.Subscribe(ctx, r.keys.ClusterChannel(), func(env Envelope) {
		ok, reason := r.Accept(env)
		if !ok {
			if reason == "stale" && r.dropped != nil {
				r.dropped.WithLabelValues(reason).Inc()
			}
			return
		}
		dispatcher.DispatchLocal(env)
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
