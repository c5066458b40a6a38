// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package fanout rebroadcasts telemetry to live observers connected over
// WebSocket. Delivery is best-effort: a broadcast never blocks, and observers
// that cannot keep up are disconnected.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/log"
	"github.com/sensorhub/ingest/telemetry"
)

// Event names carried in the envelope of every frame.
const (
	EventData  = "iot_data"
	EventAlert = "iot_alert"
)

type (
	// Broadcaster pushes records to every connected observer. It is
	// fire-and-forget.
	Broadcaster interface {
		Broadcast(*telemetry.Record)
	}

	// Hub maintains the set of connected observers.
	Hub struct {
		mu      sync.RWMutex
		clients map[*client]struct{}
		closed  bool

		upgrader   websocket.Upgrader
		sendBuffer int
		log        log.Logger
	}

	// HubOption represents a single hub option.
	HubOption func(*Hub)

	envelope struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}
)

// WithLogger sets the logger for the hub.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = log.Wrap(l) }
}

// WithSendBuffer sets how many frames may be queued per observer before it is
// considered too slow and dropped.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithCheckOrigin overrides the origin check of the WebSocket upgrade.
func WithCheckOrigin(f func(*http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = f }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		sendBuffer: 64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards may be served from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Broadcast sends the record to every observer.
func (h *Hub) Broadcast(rec *telemetry.Record) {
	h.publish(envelope{Event: EventData, Payload: rec})
}

// BroadcastAlert sends an alert to every observer.
func (h *Hub) BroadcastAlert(ev *telemetry.AlertEvent) {
	h.publish(envelope{Event: EventAlert, Payload: ev})
}

// Notify satisfies the alert notifier interface so the hub can be one of the
// alert destinations. Delivery is best-effort and never fails.
func (h *Hub) Notify(_ context.Context, ev *telemetry.AlertEvent) error {
	h.BroadcastAlert(ev)
	return nil
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and registers the observer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		h.log.Warn(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, h.sendBuffer)}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	h.log.Info(r.Context(), "observer connected",
		slog.String("remote", conn.RemoteAddr().String()))

	go c.writePump()
	go c.readPump()
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

// Must be called with the lock held.
func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) publish(v envelope) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Err(context.Background(), &errors.Error{
			Message:     "cannot encode broadcast frame",
			Kind:        errors.ExecutionException,
			NestedError: err,
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn(context.Background(), "observer too slow; dropping",
				slog.String("remote", c.conn.RemoteAddr().String()))
			h.remove(c)
		}
	}
}
