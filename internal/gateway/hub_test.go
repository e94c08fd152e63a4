package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AxonStream/core/internal/enforce"
	"github.com/AxonStream/core/pkg/auth"
	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

type auditRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (s *auditRecorder) Emit(record models.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, record.Action)
}

func (s *auditRecorder) first() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return ""
	}
	return s.actions[0]
}

// wsConn returns the server side of a live WebSocket pair.
func wsConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	dialURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server side of WebSocket pair never arrived")
		return nil
	}
}

func testClient(t *testing.T, h *Hub, buffer int) *Client {
	t.Helper()
	return &Client{
		hub:      h,
		conn:     wsConn(t),
		send:     make(chan []byte, buffer),
		identity: &auth.Identity{OrgID: "org1", UserID: "u1"},
		channels: map[string]string{"org:org1:chat": ""},
		logger:   logging.NewLogger().WithField("session_id", "test"),
	}
}

func TestSlowClientDropSurvivesLaterSends(t *testing.T) {
	h := &Hub{
		cfg:     Config{},
		clients: make(map[*Client]bool),
		logger:  logging.NewLogger(),
	}
	c := testClient(t, h, 1)
	h.clients[c] = true
	c.send <- []byte("backlog") // buffer full, next dispatch drops the client

	ev := models.Event{ID: "e1", OrgID: "org1", Channel: "org:org1:chat", Type: "chat.message"}
	h.dispatch(&ev)

	h.mutex.RLock()
	_, still := h.clients[c]
	h.mutex.RUnlock()
	if still {
		t.Fatal("slow client should have been dropped")
	}

	// The read loop keeps running until its socket errors out; a frame
	// response landing after the drop must be discarded, not panic.
	c.sendFrame(ServerFrame{Type: FramePong, Timestamp: time.Now().UTC()})

	if c.trySend([]byte("late")) {
		t.Fatal("sends after the drop must be rejected")
	}
}

func TestCloseSendIsIdempotent(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}
	c.closeSend()
	c.closeSend()
	if _, open := <-c.send; open {
		t.Fatal("send channel should be closed")
	}
}

func TestStatsReportsCapacity(t *testing.T) {
	h := &Hub{
		cfg:     Config{MaxConnections: 10000},
		clients: make(map[*Client]bool),
		logger:  logging.NewLogger(),
	}
	h.clients[&Client{}] = true

	load := h.Stats()
	if load.Connections != 1 || load.MaxConnections != 10000 {
		t.Fatalf("Stats = %+v", load)
	}
	if load.ConnectionLoad() == 0 {
		t.Fatal("connection load must be non-zero once capacity is bounded")
	}
}

func enforcementHub(t *testing.T) (*Hub, *auditRecorder) {
	t.Helper()
	sink := &auditRecorder{}
	enf := enforce.New(nil, pkgredis.NewKeyspace("axon"), nil, sink, models.OrgLimits{}, nil, logging.NewLogger())
	h := &Hub{
		cfg:      Config{},
		enforcer: enf,
		clients:  make(map[*Client]bool),
		logger:   logging.NewLogger(),
	}
	return h, sink
}

func TestPublishAuditsIsolationBeforePermission(t *testing.T) {
	h, sink := enforcementHub(t)
	// No permissions at all: both pipeline stages would deny, so the audit
	// action proves which one decided.
	c := &Client{hub: h, identity: &auth.Identity{OrgID: "org42", UserID: "u1"}, logger: logging.NewLogger().WithField("session_id", "test")}

	err := c.handlePublish(&ClientFrame{Action: ActionPublish, Channel: "org:org43:chat", Type: "chat.message"})
	if !errs.Is(err, errs.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if got := sink.first(); got != enforce.AuditUnauthorizedChannel {
		t.Fatalf("first audit action = %q, want %q", got, enforce.AuditUnauthorizedChannel)
	}
}

func TestSubscribeAuditsIsolationBeforePermission(t *testing.T) {
	h, sink := enforcementHub(t)
	c := &Client{hub: h, identity: &auth.Identity{OrgID: "org42", UserID: "u1"}, channels: make(map[string]string), logger: logging.NewLogger().WithField("session_id", "test")}

	err := c.handleSubscribe(&ClientFrame{Action: ActionSubscribe, Channels: []string{"org:org43:chat"}})
	if !errs.Is(err, errs.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if got := sink.first(); got != enforce.AuditUnauthorizedChannel {
		t.Fatalf("first audit action = %q, want %q", got, enforce.AuditUnauthorizedChannel)
	}
}
