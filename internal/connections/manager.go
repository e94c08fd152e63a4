// Package connections tracks every live session cluster-wide in the shared
// substrate, so any node can locate any other node's connections.
package connections

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

const DefaultSessionTTL = 5 * time.Minute

// migrateScript compare-and-swaps a session's owner. It only rewrites the
// record when the current owner matches the expected one, so two draining
// nodes cannot both claim the same session.
//
// The owner field is spliced textually instead of round-tripping the record
// through cjson: Redis's cjson re-encodes an empty array as an empty object,
// which would corrupt a session with no channels. The needle cannot match
// inside a string value because its quotes would be escaped there.
//
// KEYS: session key, old owner's session set, new owner's session set
// ARGV: expected server id, target server id, session id
// Returns 1 on success, -1 on owner mismatch, 0 when the session is gone.
var migrateScript = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then return 0 end
local needle = '"server_id":"' .. ARGV[1] .. '"'
local i, j = string.find(data, needle, 1, true)
if not i then return -1 end
local updated = string.sub(data, 1, i - 1) .. '"server_id":"' .. ARGV[2] .. '"' .. string.sub(data, j + 1)
local ttl = redis.call('PTTL', KEYS[1])
redis.call('SET', KEYS[1], updated)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// Manager owns the session records in the KV substrate.
type Manager struct {
	client     goredis.UniversalClient
	keys       pkgredis.Keyspace
	logger     logging.Logger
	sessionTTL time.Duration
}

// NewManager creates a connection manager.
func NewManager(client goredis.UniversalClient, keys pkgredis.Keyspace, sessionTTL time.Duration, logger logging.Logger) *Manager {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Manager{
		client:     client,
		keys:       keys,
		logger:     logger,
		sessionTTL: sessionTTL,
	}
}

// Register writes a new session and its indexes.
func (m *Manager) Register(ctx context.Context, session models.Session) error {
	if session.ID == "" || session.OrgID == "" || session.ServerID == "" {
		return errs.Invalid("session id, org_id, and server_id are required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.LastHeartbeat = time.Now().UTC()

	data, err := json.Marshal(session)
	if err != nil {
		return errs.Internal("marshal session").WithCause(err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.keys.Session(session.ID), data, m.sessionTTL)
	pipe.SAdd(ctx, m.keys.ServerSessions(session.ServerID), session.ID)
	pipe.SAdd(ctx, m.keys.OrgSessions(session.OrgID), session.ID)
	if session.UserID != "" {
		pipe.Set(ctx, m.keys.UserServer(session.UserID), session.ServerID, m.sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Unavailable("session register failed").WithOrg(session.OrgID).WithCause(err)
	}
	return nil
}

// Get fetches one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := m.client.Get(ctx, m.keys.Session(sessionID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable("session lookup failed").WithCause(err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, errs.Internal("decode session").WithCause(err)
	}
	return &session, nil
}

// UpdateChannels rewrites the session's channel set, preserving the TTL clock
// only through the regular heartbeat.
func (m *Manager) UpdateChannels(ctx context.Context, sessionID string, channels []string) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return errs.Invalid("session not found")
	}

	session.Channels = channels
	session.LastHeartbeat = time.Now().UTC()
	data, err := json.Marshal(session)
	if err != nil {
		return errs.Internal("marshal session").WithCause(err)
	}
	if err := m.client.Set(ctx, m.keys.Session(sessionID), data, m.sessionTTL).Err(); err != nil {
		return errs.Unavailable("session update failed").WithOrg(session.OrgID).WithCause(err)
	}
	return nil
}

// Heartbeat refreshes the session's TTL and heartbeat timestamp.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return errs.Invalid("session not found")
	}

	session.LastHeartbeat = time.Now().UTC()
	data, err := json.Marshal(session)
	if err != nil {
		return errs.Internal("marshal session").WithCause(err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.keys.Session(sessionID), data, m.sessionTTL)
	if session.UserID != "" {
		pipe.Expire(ctx, m.keys.UserServer(session.UserID), m.sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Unavailable("session heartbeat failed").WithOrg(session.OrgID).WithCause(err)
	}
	return nil
}

// Unregister removes a session and its indexes.
func (m *Manager) Unregister(ctx context.Context, sessionID string) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.keys.Session(sessionID))
	pipe.SRem(ctx, m.keys.ServerSessions(session.ServerID), sessionID)
	pipe.SRem(ctx, m.keys.OrgSessions(session.OrgID), sessionID)
	if session.UserID != "" {
		pipe.Del(ctx, m.keys.UserServer(session.UserID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Unavailable("session unregister failed").WithOrg(session.OrgID).WithCause(err)
	}
	return nil
}

// ListServerSessions returns the session ids owned by one node.
func (m *Manager) ListServerSessions(ctx context.Context, serverID string) ([]string, error) {
	ids, err := m.client.SMembers(ctx, m.keys.ServerSessions(serverID)).Result()
	if err != nil {
		return nil, errs.Unavailable("server session listing failed").WithCause(err)
	}
	return ids, nil
}

// ListOrgSessions returns the session ids of one organization.
func (m *Manager) ListOrgSessions(ctx context.Context, orgID string) ([]string, error) {
	ids, err := m.client.SMembers(ctx, m.keys.OrgSessions(orgID)).Result()
	if err != nil {
		return nil, errs.Unavailable("org session listing failed").WithOrg(orgID).WithCause(err)
	}
	return ids, nil
}

// FindUserServer returns the node holding a user's socket, or empty when the
// user has no live session.
func (m *Manager) FindUserServer(ctx context.Context, userID string) (string, error) {
	serverID, err := m.client.Get(ctx, m.keys.UserServer(userID)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errs.Unavailable("user server lookup failed").WithCause(err)
	}
	return serverID, nil
}

// Migrate atomically rewrites a session's owner from the expected node to the
// target. Returns Conflict when another owner won the race; the caller may
// retry after re-reading the session.
func (m *Manager) Migrate(ctx context.Context, sessionID, expectedServerID, targetServerID string) error {
	res, err := migrateScript.Run(ctx, m.client,
		[]string{
			m.keys.Session(sessionID),
			m.keys.ServerSessions(expectedServerID),
			m.keys.ServerSessions(targetServerID),
		},
		expectedServerID, targetServerID, sessionID,
	).Int()
	if err != nil {
		return errs.Unavailable("session migration failed").WithCause(err)
	}

	switch res {
	case 1:
		return nil
	case -1:
		return errs.Conflict("session owner changed during migration")
	default:
		return errs.Invalid("session not found")
	}
}

// CleanupServer removes every session of a dead node and returns the removed
// sessions so the caller can emit session.lost events.
func (m *Manager) CleanupServer(ctx context.Context, serverID string) ([]models.Session, error) {
	ids, err := m.ListServerSessions(ctx, serverID)
	if err != nil {
		return nil, err
	}

	var removed []models.Session
	for _, id := range ids {
		session, err := m.Get(ctx, id)
		if err != nil {
			return removed, err
		}
		if session == nil {
			m.client.SRem(ctx, m.keys.ServerSessions(serverID), id)
			continue
		}
		// A session may have migrated since the node died; only reap those
		// still pointing at the dead owner.
		if session.ServerID != serverID {
			m.client.SRem(ctx, m.keys.ServerSessions(serverID), id)
			continue
		}
		if err := m.Unregister(ctx, id); err != nil {
			return removed, err
		}
		removed = append(removed, *session)
	}

	m.client.Del(ctx, m.keys.ServerSessions(serverID))
	return removed, nil
}
