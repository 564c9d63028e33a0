package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"keygate/internal/infrastructure"
)

// TypeConnection is sent to each client right after it registers
const TypeConnection = "connection"

// broadcastBuffer bounds the number of events waiting for the hub loop.
// Publish drops events beyond it instead of blocking the caller.
const broadcastBuffer = 256

// Event is the envelope of every message on the feed
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

type outbound struct {
	eventType string
	payload   []byte
}

// Hub maintains the set of active clients and broadcasts events to them.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu    sync.RWMutex
	count int

	metrics *Metrics
	logger  *slog.Logger
}

// NewHub creates a hub. metrics may be nil.
func NewHub(metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client. It always returns nil.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client, "shutdown")
			}
			h.logger.Info("hub stopped")
			return nil

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount(len(h.clients))
			h.metrics.RecordConnection(client.context())

			h.logger.InfoContext(client.context(), "client registered",
				slog.Int("total_clients", len(h.clients)),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.sendTo(client, h.connectionMessage(client))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client, "normal")
				h.logger.InfoContext(client.context(), "client unregistered",
					slog.Int("total_clients", len(h.clients)),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if h.sendTo(client, msg) {
					h.metrics.RecordSent(ctx, msg.eventType, len(msg.payload))
				}
			}
		}
	}
}

// sendTo queues msg for client. A client whose buffer is full is
// disconnected.
func (h *Hub) sendTo(client *Client, msg outbound) bool {
	select {
	case client.send <- msg.payload:
		return true
	default:
		h.metrics.RecordDropped(client.context(), "slow_client")
		h.logger.WarnContext(client.context(), "client send buffer full, disconnecting",
			slog.String("client_id", client.id))
		h.remove(client, "slow_client")
		return false
	}
}

func (h *Hub) remove(client *Client, reason string) {
	delete(h.clients, client)
	close(client.send)
	h.setCount(len(h.clients))
	h.metrics.RecordDisconnection(client.context(), time.Since(client.connectedAt), reason)
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

func (h *Hub) connectionMessage(client *Client) outbound {
	payload, _ := json.Marshal(Event{
		ID:   uuid.New().String(),
		Type: TypeConnection,
		Data: map[string]interface{}{
			"status":    "connected",
			"client_id": client.id,
		},
		Timestamp: time.Now().UTC(),
		TraceID:   client.traceID,
	})
	return outbound{eventType: TypeConnection, payload: payload}
}

// Publish broadcasts an event to every connected client. It never blocks:
// when the hub is stopped or backed up the event is dropped.
func (h *Hub) Publish(ctx context.Context, eventType string, data interface{}) {
	payload, err := json.Marshal(Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to marshal event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- outbound{eventType: eventType, payload: payload}:
	default:
		h.metrics.RecordDropped(ctx, "hub_backlog")
		h.logger.WarnContext(ctx, "event dropped, broadcast queue full",
			slog.String("event_type", eventType))
	}
}

// Register hands client to the hub. It returns false once the hub stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from the hub if it is still registered
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
