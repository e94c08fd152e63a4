// Package registry maintains the live directory of gateway nodes. Every node
// refreshes its own record on an interval; peers discover live nodes through
// an index set and treat records staler than three intervals as dead.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	staleMultiplier          = 3
)

// LoadFunc reports the node's current utilization for its registry record.
type LoadFunc func() models.ServerLoad

// Registry tracks gateway nodes in the shared substrate.
type Registry struct {
	client   goredis.UniversalClient
	keys     pkgredis.Keyspace
	logger   logging.Logger
	interval time.Duration

	self models.Server
	load LoadFunc
}

// indexKey is the set of known server ids; scan passes prune it.
func (r *Registry) indexKey() string { return r.keys.Prefix + ":servers" }

// New creates a Registry for one node.
func New(client goredis.UniversalClient, keys pkgredis.Keyspace, self models.Server, load LoadFunc, interval time.Duration, logger logging.Logger) *Registry {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if self.StartedAt.IsZero() {
		self.StartedAt = time.Now().UTC()
	}
	return &Registry{
		client:   client,
		keys:     keys,
		logger:   logger,
		interval: interval,
		self:     self,
		load:     load,
	}
}

// ServerID returns this node's identity.
func (r *Registry) ServerID() string { return r.self.ID }

// Heartbeat writes this node's record with a TTL larger than the heartbeat
// period, so a crashed node disappears without an explicit deregister.
func (r *Registry) Heartbeat(ctx context.Context) error {
	record := r.self
	record.LastHeartbeat = time.Now().UTC()
	if r.load != nil {
		record.Load = r.load()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal server record: %w", err)
	}

	ttl := time.Duration(staleMultiplier) * r.interval
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.keys.Server(record.ID), data, ttl)
	pipe.SAdd(ctx, r.indexKey(), record.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Unavailable("registry heartbeat failed").WithCause(err)
	}
	return nil
}

// Deregister removes this node's record. Called on clean shutdown; peers
// tolerate its absence via TTL expiry.
func (r *Registry) Deregister(ctx context.Context) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.keys.Server(r.self.ID))
	pipe.SRem(ctx, r.indexKey(), r.self.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Unavailable("registry deregister failed").WithCause(err)
	}
	return nil
}

// Run refreshes the heartbeat until the context is canceled, then emits an
// explicit deregister before returning.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Heartbeat(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Deregister(cleanupCtx); err != nil {
				r.logger.WithError(err).Warn("Deregister on shutdown failed; TTL will reap the record")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.WithError(err).Warn("Heartbeat failed")
			}
		}
	}
}

// ActiveServers returns all live nodes, pruning stale index entries.
func (r *Registry) ActiveServers(ctx context.Context) ([]models.Server, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, errs.Unavailable("registry listing failed").WithCause(err)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(staleMultiplier) * r.interval)
	servers := make([]models.Server, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.keys.Server(id)).Result()
		if err == goredis.Nil {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, errs.Unavailable("registry lookup failed").WithCause(err)
		}

		var record models.Server
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			r.logger.WithError(err).WithField("server_id", id).Warn("Dropping undecodable server record")
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		if record.LastHeartbeat.Before(cutoff) {
			r.client.Del(ctx, r.keys.Server(id))
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		servers = append(servers, record)
	}
	return servers, nil
}

// Score ranks a node for new-connection placement; lower is better.
func Score(load models.ServerLoad) float64 {
	return 0.5*load.ConnectionLoad() + 0.3*load.CPUPercent/100 + 0.2*load.MemPercent/100
}

// BestServer returns the live node with the lowest load score, ties broken by
// earliest start. The org id is accepted so future policies can prefer sticky
// affinity.
func (r *Registry) BestServer(ctx context.Context, orgID string) (models.Server, error) {
	servers, err := r.ActiveServers(ctx)
	if err != nil {
		return models.Server{}, err
	}
	if len(servers) == 0 {
		return models.Server{}, errs.Unavailable("no live gateway nodes")
	}

	sort.Slice(servers, func(i, j int) bool {
		si, sj := Score(servers[i].Load), Score(servers[j].Load)
		if si != sj {
			return si < sj
		}
		return servers[i].StartedAt.Before(servers[j].StartedAt)
	})
	return servers[0], nil
}

// ScanStale removes records whose heartbeat is older than three intervals and
// returns the ids it pruned. ActiveServers already prunes lazily; this pass
// keeps the index tidy and surfaces dead nodes for session cleanup even when
// nobody is asking for placements.
func (r *Registry) ScanStale(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, errs.Unavailable("registry scan failed").WithCause(err)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(staleMultiplier) * r.interval)
	var removed []string
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.keys.Server(id)).Result()
		if err == goredis.Nil {
			// Record expired via TTL: the node stopped heartbeating.
			r.client.SRem(ctx, r.indexKey(), id)
			removed = append(removed, id)
			continue
		}
		if err != nil {
			return removed, errs.Unavailable("registry scan failed").WithCause(err)
		}

		var record models.Server
		if err := json.Unmarshal([]byte(data), &record); err != nil || record.LastHeartbeat.Before(cutoff) {
			r.client.Del(ctx, r.keys.Server(id))
			r.client.SRem(ctx, r.indexKey(), id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// StaleHandler is invoked for each dead node the scan loop prunes, so the
// caller can reclaim that node's sessions.
type StaleHandler func(ctx context.Context, serverID string)

// RunScan runs the stale scan on the heartbeat interval until canceled.
func (r *Registry) RunScan(ctx context.Context, onStale StaleHandler) error {
	ticker := time.NewTicker(time.Duration(staleMultiplier) * r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := r.ScanStale(ctx)
			if err != nil {
				r.logger.WithError(err).Warn("Registry scan failed")
				continue
			}
			for _, id := range removed {
				if id == r.self.ID {
					continue
				}
				r.logger.WithField("server_id", id).Info("Pruned stale server record")
				if onStale != nil {
					onStale(ctx, id)
				}
			}
		}
	}
}
