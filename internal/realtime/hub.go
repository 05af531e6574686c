package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/platform/messagebroker"
)

const (
	// sendBuffer is the per-client backlog. A client that falls further
	// behind is disconnected rather than allowed to stall the fanout.
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

type client struct {
	conn        *websocket.Conn
	workspaceID uuid.UUID
	send        chan []byte
}

// Hub pushes canonical events to connected websocket clients, one
// subscription per workspace. Every service instance receives the full event
// stream and serves only its own sockets, so clients can connect to any
// instance.
type Hub struct {
	broker messagebroker.NATSClient
	logger *slog.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]map[*client]struct{}
}

func NewHub(broker messagebroker.NATSClient, logger *slog.Logger) *Hub {
	return &Hub{
		broker:  broker,
		logger:  logger.With("component", "realtime"),
		clients: make(map[uuid.UUID]map[*client]struct{}),
	}
}

// Start subscribes to the full event stream. No queue group: each instance
// needs every event for its own connected clients.
func (h *Hub) Start(ctx context.Context) (messagebroker.Subscription, error) {
	subject := core_domain.EventSubjectPrefix + ".>"
	return h.broker.SubscribeToSubjectWithQueue(ctx, subject, "", func(msg messagebroker.Message) {
		workspaceRaw := strings.TrimPrefix(msg.Subject(), core_domain.EventSubjectPrefix+".")
		workspaceID, err := uuid.Parse(workspaceRaw)
		if err != nil {
			h.logger.WarnContext(ctx, "Unroutable event subject", "subject", msg.Subject())
			return
		}
		h.Broadcast(workspaceID, msg.Data())
	})
}

// Broadcast fans data out to the workspace's clients. A client whose buffer
// is full is dropped; websockets are a live feed, not a durable queue.
func (h *Hub) Broadcast(workspaceID uuid.UUID, data []byte) {
	h.mu.Lock()
	var dropped []*client
	for c := range h.clients[workspaceID] {
		select {
		case c.send <- data:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range dropped {
		h.logger.Warn("Dropping slow websocket client", "workspace_id", workspaceID)
		c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// ClientCount reports connected clients for a workspace.
func (h *Hub) ClientCount(workspaceID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[workspaceID])
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.workspaceID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.workspaceID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	set, ok := h.clients[c.workspaceID]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.workspaceID)
	}
	close(c.send)
}

// ServeHTTP upgrades the connection and streams the workspace's events until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := uuid.Parse(r.Header.Get("X-Workspace-ID"))
	if err != nil {
		workspaceID, err = uuid.Parse(r.URL.Query().Get("workspace"))
	}
	if err != nil {
		http.Error(w, "missing or invalid workspace id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket accept failed", "error", err)
		return
	}

	c := &client{conn: conn, workspaceID: workspaceID, send: make(chan []byte, sendBuffer)}
	h.add(c)
	defer h.remove(c)

	ctx := r.Context()
	go func() {
		// Drain reads so pings and the eventual close frame are processed.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}
