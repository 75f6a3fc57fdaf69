// Package fanout implements the real-time push layer (C8): per-entity
// subscriptions over long-lived connections, backed by per-connection
// consumer groups against the change-log (C6).
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexusops/ticketsync/internal/changelog"
	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
)

const (
	heartbeatInterval      = 30 * time.Second
	systemBroadcastInterval = 5 * time.Second
)

// PushEvent is written to a subscriber's connection.
type PushEvent struct {
	Type      string      `json:"type"` // connection, heartbeat, ticket-updated, system-metrics
	SysID     string      `json:"sys_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS policy is an external concern (§1)
}

// Hub manages active subscriptions and the system-metrics broadcast topic.
type Hub struct {
	changelog *changelog.Log
	log       *logger.Logger
	metrics   *metrics.Registry

	mu          sync.Mutex
	connections map[string]*connection

	systemSubs map[string]chan PushEvent

	stopCh chan struct{}
}

// New constructs a Hub.
func New(cl *changelog.Log, log *logger.Logger, m *metrics.Registry) *Hub {
	if log == nil {
		log = logger.NewDefault("fanout")
	}
	return &Hub{
		changelog:   cl,
		log:         log,
		metrics:     m,
		connections: make(map[string]*connection),
		systemSubs:  make(map[string]chan PushEvent),
		stopCh:      make(chan struct{}),
	}
}

type connection struct {
	id       string
	sysID    string
	table    string
	group    string
	ws       *websocket.Conn
	writeMu  sync.Mutex
	cancel   context.CancelFunc
}

// Serve upgrades an HTTP request to a websocket connection scoped to one
// sys_id (§4.7): sends a connection event, heartbeats every 30s, registers
// a per-connection consumer group, and pushes ticket-updated events.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, table, sysID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &connection{
		id:     uuid.NewString(),
		sysID:  sysID,
		table:  table,
		group:  "fanout-" + uuid.NewString(),
		ws:     ws,
		cancel: cancel,
	}

	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.FanoutConnections.Inc()
	}

	topic := changelog.TopicFor(table)
	if err := h.changelog.RegisterConsumer(ctx, topic, conn.group); err != nil {
		h.teardown(conn)
		return fmt.Errorf("register consumer group: %w", err)
	}

	go h.readLoop(conn, cancel)
	h.serveConn(ctx, conn, topic)
	return nil
}

// readLoop discards inbound frames but treats a read error (client
// disconnect) as a cancel signal.
func (h *Hub) readLoop(conn *connection, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) serveConn(ctx context.Context, conn *connection, topic string) {
	defer h.teardown(conn)

	if err := h.push(conn, PushEvent{Type: "connection", SysID: conn.sysID, Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := h.push(conn, PushEvent{Type: "heartbeat", Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		default:
		}

		entries, err := h.changelog.Read(ctx, topic, conn.group, conn.id, 10, 1000)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		var acked []string
		for _, e := range entries {
			if e.Event.SysID != conn.sysID {
				acked = append(acked, e.ID)
				continue
			}
			if err := h.push(conn, PushEvent{
				Type: "ticket-updated", SysID: e.Event.SysID, Data: e.Event.Record, Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.FanoutPushed.WithLabelValues("ticket-updated").Inc()
			}
			acked = append(acked, e.ID)
		}
		if len(acked) > 0 {
			_ = h.changelog.Ack(ctx, topic, conn.group, acked...)
		}
	}
}

func (h *Hub) push(conn *connection, ev PushEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal push event: %w", err)
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return conn.ws.WriteMessage(websocket.TextMessage, data)
}

// teardown unsubscribes and removes the consumer group. Idempotent: safe
// to call more than once for the same connection (§4.7).
func (h *Hub) teardown(conn *connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.id)
	h.mu.Unlock()

	conn.cancel()
	_ = h.changelog.Unregister(context.Background(), changelog.TopicFor(conn.table), conn.group)
	_ = conn.ws.Close()
	if h.metrics != nil {
		h.metrics.FanoutConnections.Dec()
	}
}

// ServeSystemMetrics broadcasts processor/system metrics at 5s intervals
// to a subscriber of the system topic (§4.7 second channel).
func (h *Hub) ServeSystemMetrics(w http.ResponseWriter, r *http.Request, sample func() interface{}) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer ws.Close()

	ticker := time.NewTicker(systemBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-h.stopCh:
			return nil
		case <-ticker.C:
			ev := PushEvent{Type: "system-metrics", Data: sample(), Timestamp: time.Now().UTC()}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		}
	}
}

// Close stops any running system-metrics broadcasts.
func (h *Hub) Close() { close(h.stopCh) }

// ActiveConnections reports the number of attached subscriptions.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
