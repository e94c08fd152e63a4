package connections

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

func testManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client, pkgredis.NewKeyspace("axon"), time.Minute, logging.NewLogger()), mr
}

func session(id, org, user, server string) models.Session {
	return models.Session{ID: id, OrgID: org, UserID: user, ServerID: server}
}

func TestRegisterAndLookup(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if err := m.Register(ctx, session("s1", "org1", "u1", "node-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := m.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.ServerID != "node-a" || got.OrgID != "org1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	server, err := m.FindUserServer(ctx, "u1")
	if err != nil {
		t.Fatalf("FindUserServer failed: %v", err)
	}
	if server != "node-a" {
		t.Fatalf("FindUserServer = %q, want node-a", server)
	}

	ids, err := m.ListOrgSessions(ctx, "org1")
	if err != nil {
		t.Fatalf("ListOrgSessions failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("ListOrgSessions = %v", ids)
	}
}

func TestRegisterRequiresIdentity(t *testing.T) {
	m, _ := testManager(t)
	err := m.Register(context.Background(), models.Session{ID: "s1"})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected INVALID, got %v", err)
	}
}

func TestUnregisterRemovesIndexes(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if err := m.Register(ctx, session("s1", "org1", "u1", "node-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Unregister(ctx, "s1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	got, err := m.Get(ctx, "s1")
	if err != nil || got != nil {
		t.Fatalf("session should be gone, got %+v err %v", got, err)
	}
	server, _ := m.FindUserServer(ctx, "u1")
	if server != "" {
		t.Fatalf("user mapping should be gone, got %q", server)
	}
}

func TestMigrateMovesOwnership(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if err := m.Register(ctx, session("s1", "org1", "u1", "node-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Migrate(ctx, "s1", "node-a", "node-b"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	got, err := m.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ServerID != "node-b" {
		t.Fatalf("session owner = %s, want node-b", got.ServerID)
	}

	old, err := m.ListServerSessions(ctx, "node-a")
	if err != nil {
		t.Fatalf("ListServerSessions failed: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("node-a should no longer index s1: %v", old)
	}
	moved, _ := m.ListServerSessions(ctx, "node-b")
	if len(moved) != 1 || moved[0] != "s1" {
		t.Fatalf("node-b should index s1: %v", moved)
	}
}

func TestMigrateDetectsOwnerRace(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if err := m.Register(ctx, session("s1", "org1", "u1", "node-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := m.Migrate(ctx, "s1", "node-c", "node-b")
	if !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("expected CONFLICT for wrong expected owner, got %v", err)
	}

	err = m.Migrate(ctx, "missing", "node-a", "node-b")
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected INVALID for unknown session, got %v", err)
	}
}

func TestMigratePreservesEmptyChannelList(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()

	if err := m.Register(ctx, session("s1", "org1", "u1", "node-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	// Unsubscribing from everything leaves an empty, non-nil channel list.
	if err := m.UpdateChannels(ctx, "s1", []string{}); err != nil {
		t.Fatalf("UpdateChannels failed: %v", err)
	}
	if err := m.Migrate(ctx, "s1", "node-a", "node-b"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// The record must stay byte-compatible with the Go encoding: an empty
	// channel array may not degrade to an object during the owner swap.
	raw, err := mr.Get(pkgredis.NewKeyspace("axon").Session("s1"))
	if err != nil {
		t.Fatalf("raw session read failed: %v", err)
	}
	if !strings.Contains(raw, `"channels":[]`) {
		t.Fatalf("empty channel list mangled by migration: %s", raw)
	}
	if !strings.Contains(raw, `"server_id":"node-b"`) {
		t.Fatalf("owner not rewritten: %s", raw)
	}

	got, err := m.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get after migrate failed: %v", err)
	}
	if got == nil || got.ServerID != "node-b" || len(got.Channels) != 0 {
		t.Fatalf("migrated session = %+v", got)
	}
	if err := m.Heartbeat(ctx, "s1"); err != nil {
		t.Fatalf("Heartbeat after migrate failed: %v", err)
	}
}

func TestCleanupServerSkipsMigratedSessions(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if err := m.Register(ctx, session("s1", "org1", "u1", "node-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(ctx, session("s2", "org1", "u2", "node-a")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	// s2 escapes to another node before the sweep.
	if err := m.Migrate(ctx, "s2", "node-a", "node-b"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	removed, err := m.CleanupServer(ctx, "node-a")
	if err != nil {
		t.Fatalf("CleanupServer failed: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "s1" {
		t.Fatalf("expected only s1 reaped, got %+v", removed)
	}

	if got, _ := m.Get(ctx, "s2"); got == nil || got.ServerID != "node-b" {
		t.Fatalf("migrated session should survive the sweep: %+v", got)
	}
}
