// Package gateway is the WebSocket edge: it owns the local client set,
// runs the per-frame enforcement pipeline, appends published events to the
// stream, and exchanges traffic with the other nodes through the router.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AxonStream/core/internal/connections"
	"github.com/AxonStream/core/internal/enforce"
	"github.com/AxonStream/core/internal/router"
	"github.com/AxonStream/core/internal/stream"
	"github.com/AxonStream/core/pkg/auth"
	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	defaultIdle    = 120 * time.Second
	maxAuthStrikes = 3
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config configures the hub.
type Config struct {
	ServerID        string
	MaxPayloadBytes int64
	ReplayLimit     int64
	MaxConnections  int
	IdleTimeout     time.Duration
	ConnWindow      time.Duration
	ConnMax         int
}

// pingPeriod keeps the outbound ping ahead of the read deadline.
func (c Config) pingPeriod() time.Duration { return (c.IdleTimeout * 9) / 10 }

// Metrics are the hub's instruments. Any field may be nil.
type Metrics struct {
	Connections *prometheus.GaugeVec   // label: org_id
	Frames      *prometheus.CounterVec // labels: action, outcome
}

// Hub maintains the node's client set and dispatches events to local sockets.
type Hub struct {
	cfg      Config
	verifier *auth.Verifier
	enforcer *enforce.Enforcer
	stream   *stream.Stream
	router   *router.Router
	sessions *connections.Manager
	metrics  Metrics
	logger   logging.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
}

// Client is one authenticated WebSocket connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	identity  *auth.Identity
	sessionID string
	limiter   *enforce.ConnLimiter

	mu          sync.RWMutex
	channels    map[string]string // channel -> event-type filter ("" = all)
	drained     bool
	closed      bool
	authStrikes int

	logger logging.Entry
}

// NewHub creates a Hub.
func NewHub(cfg Config, verifier *auth.Verifier, enforcer *enforce.Enforcer, st *stream.Stream, rt *router.Router, sessions *connections.Manager, metrics Metrics, logger logging.Logger) *Hub {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdle
	}
	return &Hub{
		cfg:        cfg,
		verifier:   verifier,
		enforcer:   enforcer,
		stream:     st,
		router:     rt,
		sessions:   sessions,
		metrics:    metrics,
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run owns the client set until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			if h.metrics.Connections != nil {
				h.metrics.Connections.WithLabelValues(client.identity.OrgID).Inc()
			}
			h.logger.WithFields(logging.Fields{
				"client_count": count,
				"org_id":       client.identity.OrgID,
				"user_id":      client.identity.UserID,
			}).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			if h.metrics.Connections != nil {
				h.metrics.Connections.WithLabelValues(client.identity.OrgID).Dec()
			}
			// A drained session's record now belongs to the target node;
			// leave it for the TTL or the new owner.
			if !client.isDrained() {
				if err := h.sessions.Unregister(context.Background(), client.sessionID); err != nil {
					h.logger.WithError(err).Warn("Session unregister failed")
				}
			}
			h.logger.WithFields(logging.Fields{
				"client_count": count,
				"org_id":       client.identity.OrgID,
			}).Info("Client disconnected")

		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				client.conn.Close()
			}
			h.mutex.Unlock()
			return ctx.Err()
		}
	}
}

// DispatchLocal delivers an accepted cluster envelope to local subscribers.
func (h *Hub) DispatchLocal(env router.Envelope) {
	h.dispatch(&env.Event)
}

// dispatch fans one event out to local sockets subscribed to its channel.
// Tenant isolation holds structurally: a client only ever has channels of its
// own organization, and the org ids are compared again here.
func (h *Hub) dispatch(ev *models.Event) {
	frame := ServerFrame{
		Type:          FrameEvent,
		CorrelationID: ev.CorrelationID,
		Event:         ev,
		Timestamp:     time.Now().UTC(),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.WithError(err).Error("Event frame marshal failed")
		return
	}

	var slow []*Client
	h.mutex.RLock()
	for client := range h.clients {
		if client.identity.OrgID != ev.OrgID || !client.wants(ev.Channel, ev.Type) {
			continue
		}
		if !client.trySend(payload) {
			slow = append(slow, client)
		}
	}
	h.mutex.RUnlock()

	// Slow clients: drop the socket rather than buffer unboundedly. The send
	// channel is retired through closeSend so the client's read loop, which is
	// still running, cannot race a send against the close.
	for _, client := range slow {
		h.mutex.Lock()
		delete(h.clients, client)
		h.mutex.Unlock()
		client.closeSend()
		client.conn.Close()
	}
}

// Placer picks the node that should receive a drained session.
type Placer interface {
	BestServer(ctx context.Context, orgID string) (models.Server, error)
}

// Drain hands this node's sessions to live peers before shutdown: ownership
// is compare-and-swapped to the target, then the socket closes with a
// reconnect hint. The caller deregisters this node first so the placer never
// picks it. Returns the number of sessions migrated.
func (h *Hub) Drain(ctx context.Context, placer Placer) int {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	migrated := 0
	for _, client := range clients {
		target, err := placer.BestServer(ctx, client.identity.OrgID)
		if err != nil {
			client.logger.WithError(err).Warn("No live peer for session drain")
			continue
		}
		if target.ID == h.cfg.ServerID {
			continue
		}
		if err := h.sessions.Migrate(ctx, client.sessionID, h.cfg.ServerID, target.ID); err != nil {
			client.logger.WithError(err).Warn("Session migration failed")
			continue
		}

		client.mu.Lock()
		client.drained = true
		client.mu.Unlock()

		hint, _ := json.Marshal(map[string]string{
			"reconnect_to": target.Host + ":" + strconv.Itoa(target.Port),
		})
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseServiceRestart, string(hint)),
			time.Now().Add(writeWait))
		client.conn.Close()
		migrated++
	}
	return migrated
}

// Announce delivers a system event to local subscribers and the rest of the
// cluster. Session lifecycle signals travel this path; they bypass the durable
// stream and tenant quotas.
func (h *Hub) Announce(ctx context.Context, ev models.Event) {
	h.dispatch(&ev)
	if err := h.router.ToChannel(ctx, ev); err != nil {
		h.logger.WithError(err).Warn("Cluster announce failed")
	}
}

// Stats reports the hub state for health and load reporting. The caller layers
// CPU and memory samples on top before the registry heartbeat publishes it.
func (h *Hub) Stats() models.ServerLoad {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return models.ServerLoad{
		Connections:    len(h.clients),
		MaxConnections: h.cfg.MaxConnections,
	}
}

// ServeWS upgrades an authenticated request to a WebSocket session.
func (h *Hub) ServeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.enforcer.RecordAction(&auth.Identity{}, enforce.AuditAuthFailure, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	// With the substrate breaker open the session could not be registered or
	// enforced; refuse early and let the client retry against a healthy node.
	if !h.enforcer.SubstrateHealthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service degraded, retry shortly"})
		return
	}

	limits := h.enforcer.OrgLimits(c.Request.Context(), identity.OrgID)
	if limits.MaxConnections > 0 {
		open, err := h.sessions.ListOrgSessions(c.Request.Context(), identity.OrgID)
		if err == nil && len(open) >= limits.MaxConnections {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "organization connection limit reached"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	session := models.Session{
		ID:            sessionID,
		OrgID:         identity.OrgID,
		UserID:        identity.UserID,
		ServerID:      h.cfg.ServerID,
		SocketID:      uuid.New().String(),
		ClientType:    c.Query("client_type"),
		CreatedAt:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	if err := h.sessions.Register(c.Request.Context(), session); err != nil {
		h.logger.WithError(err).Error("Session register failed")
		conn.Close()
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		identity:  identity,
		sessionID: sessionID,
		limiter:   enforce.NewConnLimiter(h.cfg.ConnWindow, h.cfg.ConnMax),
		channels:  make(map[string]string),
		logger: h.logger.WithFields(logging.Fields{
			"session_id": sessionID,
			"org_id":     identity.OrgID,
		}),
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (c *Client) isDrained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drained
}

// trySend queues one frame without blocking. It reports false when the buffer
// is full or the send channel is already retired.
func (c *Client) trySend(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend retires the send channel exactly once. The write lock excludes
// in-flight trySend calls, so no goroutine can send on the closed channel.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// wants reports whether the client subscribed to the channel and the event
// type passes its filter.
func (c *Client) wants(channel, eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	filter, ok := c.channels[channel]
	if !ok {
		return false
	}
	return matchFilter(filter, eventType)
}

// matchFilter accepts everything for an empty filter, a prefix for a trailing
// "*", and an exact event type otherwise.
func matchFilter(filter, eventType string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if strings.HasSuffix(filter, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(filter, "*"))
	}
	return eventType == filter
}

// readPump processes inbound frames in receive order.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxPayloadBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
		c.hub.sessions.Heartbeat(context.Background(), c.sessionID)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendFrame(errorFrame("", errs.Invalid("malformed frame")))
			continue
		}
		if !c.handleFrame(&frame) {
			return
		}
	}
}

// handleFrame executes one frame; it reports whether the connection survives.
func (c *Client) handleFrame(frame *ClientFrame) bool {
	var err error
	switch frame.Action {
	case ActionPing:
		c.sendFrame(ServerFrame{Type: FramePong, CorrelationID: frame.CorrelationID, Timestamp: time.Now().UTC()})
	case ActionSubscribe:
		err = c.handleSubscribe(frame)
	case ActionUnsubscribe:
		err = c.handleUnsubscribe(frame)
	case ActionPublish:
		err = c.handlePublish(frame)
	default:
		err = errs.Invalid("unknown action")
	}

	outcome := "ok"
	if err != nil {
		outcome = string(errs.CodeOf(err))
		c.sendFrame(errorFrame(frame.CorrelationID, err))
	}
	if c.hub.metrics.Frames != nil {
		c.hub.metrics.Frames.WithLabelValues(frame.Action, outcome).Inc()
	}

	// Repeated authentication failures close the socket; every other error
	// is reported on the error frame and the connection stays up.
	if errs.Is(err, errs.CodeUnauthenticated) {
		c.authStrikes++
		if c.authStrikes >= maxAuthStrikes {
			c.logger.Warn("Closing connection after repeated authentication failures")
			return false
		}
	} else if err == nil {
		c.authStrikes = 0
	}
	return true
}

func (c *Client) handleSubscribe(frame *ClientFrame) error {
	if len(frame.Channels) == 0 {
		return errs.Invalid("channels are required").WithCorrelation(frame.CorrelationID)
	}
	for _, channel := range frame.Channels {
		if err := c.hub.enforcer.AuthorizeChannel(c.identity, channel); err != nil {
			return err
		}
	}
	if err := c.hub.enforcer.RequirePermission(c.identity, enforce.PermSubscribe); err != nil {
		return err
	}

	limits := c.hub.enforcer.OrgLimits(context.Background(), c.identity.OrgID)
	c.mu.Lock()
	for _, channel := range frame.Channels {
		c.channels[channel] = frame.Filter
	}
	if limits.MaxChannels > 0 && len(c.channels) > limits.MaxChannels {
		for _, channel := range frame.Channels {
			delete(c.channels, channel)
		}
		c.mu.Unlock()
		return errs.QuotaExceeded("channel limit reached").WithOrg(c.identity.OrgID).WithCorrelation(frame.CorrelationID)
	}
	subscribed := c.channelList()
	c.mu.Unlock()

	if err := c.hub.sessions.UpdateChannels(context.Background(), c.sessionID, subscribed); err != nil {
		c.logger.WithError(err).Warn("Session channel update failed")
	}
	c.hub.enforcer.RecordAction(c.identity, enforce.AuditSubscribe, frame.Channels[0])
	c.sendFrame(ServerFrame{
		Type:          FrameSubscribed,
		CorrelationID: frame.CorrelationID,
		Channels:      subscribed,
		Timestamp:     time.Now().UTC(),
	})

	if frame.ReplayFrom != "" {
		c.replay(frame)
	}
	return nil
}

// replay backfills missed events before live traffic resumes for the caller.
func (c *Client) replay(frame *ClientFrame) {
	count := frame.ReplayCount
	if count <= 0 || count > c.hub.cfg.ReplayLimit {
		count = c.hub.cfg.ReplayLimit
	}
	for _, channel := range frame.Channels {
		events, err := c.hub.stream.Read(context.Background(), c.identity.OrgID, channel, frame.ReplayFrom, count)
		if err != nil {
			c.logger.WithError(err).WithField("channel", channel).Warn("Replay read failed")
			continue
		}
		for i := range events {
			if !matchFilter(frame.Filter, events[i].Type) {
				continue
			}
			payload, err := json.Marshal(ServerFrame{
				Type:          FrameEvent,
				CorrelationID: frame.CorrelationID,
				Event:         &events[i],
				Timestamp:     time.Now().UTC(),
			})
			if err != nil {
				continue
			}
			if !c.trySend(payload) {
				return
			}
		}
	}
}

func (c *Client) handleUnsubscribe(frame *ClientFrame) error {
	if len(frame.Channels) == 0 {
		return errs.Invalid("channels are required").WithCorrelation(frame.CorrelationID)
	}
	c.mu.Lock()
	for _, channel := range frame.Channels {
		delete(c.channels, channel)
	}
	remaining := c.channelList()
	c.mu.Unlock()

	if err := c.hub.sessions.UpdateChannels(context.Background(), c.sessionID, remaining); err != nil {
		c.logger.WithError(err).Warn("Session channel update failed")
	}
	c.hub.enforcer.RecordAction(c.identity, enforce.AuditUnsubscribe, frame.Channels[0])
	c.sendFrame(ServerFrame{
		Type:          FrameUnsubscribed,
		CorrelationID: frame.CorrelationID,
		Channels:      remaining,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

func (c *Client) handlePublish(frame *ClientFrame) error {
	if frame.Channel == "" || frame.Type == "" {
		return errs.Invalid("channel and type are required").WithCorrelation(frame.CorrelationID)
	}
	switch frame.Delivery {
	case "", DeliveryAtLeastOnce, DeliveryAtMostOnce:
	default:
		return errs.Invalid("unknown delivery mode").WithCorrelation(frame.CorrelationID)
	}
	ctx := context.Background()

	// Channel authorization decides before the permission check, so a
	// cross-tenant publish always audits as an isolation violation.
	if err := c.hub.enforcer.AuthorizeChannel(c.identity, frame.Channel); err != nil {
		return err
	}
	if err := c.hub.enforcer.RequirePermission(c.identity, enforce.PermPublish); err != nil {
		return err
	}
	if err := c.hub.enforcer.CheckMessageRate(ctx, c.identity, c.limiter); err != nil {
		return err
	}
	if err := c.hub.enforcer.DebitAPIQuota(ctx, c.identity); err != nil {
		return err
	}

	// At-most-once publishes skip the durable stream: live subscribers get
	// the event or nobody does.
	var eventID string
	if frame.Delivery == DeliveryAtMostOnce {
		eventID = uuid.New().String()
	} else {
		var err error
		eventID, err = c.hub.stream.Append(ctx, stream.AppendInput{
			OrgID:         c.identity.OrgID,
			Channel:       frame.Channel,
			Type:          frame.Type,
			Payload:       frame.Payload,
			SourceUserID:  c.identity.UserID,
			CorrelationID: frame.CorrelationID,
		})
		if err != nil {
			return err
		}
	}

	c.hub.enforcer.RecordAction(c.identity, enforce.AuditPublish, frame.Channel)
	c.sendFrame(ServerFrame{
		Type:          FrameAck,
		CorrelationID: frame.CorrelationID,
		EventID:       eventID,
		Timestamp:     time.Now().UTC(),
	})

	event := models.Event{
		ID:            eventID,
		OrgID:         c.identity.OrgID,
		Channel:       frame.Channel,
		Type:          frame.Type,
		Payload:       frame.Payload,
		SourceUserID:  c.identity.UserID,
		CorrelationID: frame.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	}
	c.hub.dispatch(&event)
	if err := c.hub.router.ToChannel(ctx, event); err != nil {
		c.logger.WithError(err).Warn("Cluster fan-out failed")
	}
	return nil
}

func (c *Client) channelList() []string {
	out := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		out = append(out, channel)
	}
	return out
}

func (c *Client) sendFrame(frame ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.WithError(err).Error("Frame marshal failed")
		return
	}
	if !c.trySend(payload) {
		c.logger.Warn("Send buffer full or connection closing, dropping frame")
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
