// Package realtime streams billing activity over WebSockets.
//
// Vendors watch their sessions get billed, users watch their balance
// drain. Clients connect to /ws/events and receive every lifecycle
// event by default; sending a subscription message narrows the feed
// to chosen event types, wallets, or sessions.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paygoback/streampay/internal/metrics"
	"github.com/paygoback/streampay/internal/permissions"
	"github.com/paygoback/streampay/internal/sessions"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names a lifecycle event on the feed.
type EventType string

const (
	EventPermissionCreated   EventType = "permission_created"
	EventPermissionActivated EventType = "permission_activated"
	EventPermissionExhausted EventType = "permission_exhausted"
	EventPermissionExpired   EventType = "permission_expired"
	EventPermissionRevoked   EventType = "permission_revoked"

	EventSessionCreated   EventType = "session_created"
	EventSessionActivated EventType = "session_activated"
	EventSessionCompleted EventType = "session_completed"
	EventSessionPaused    EventType = "session_paused"
	EventSessionFailed    EventType = "session_failed"

	EventBillingTransaction EventType = "billing_transaction"
)

// Event is one entry on the feed.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription narrows what a client receives. Zero values leave a
// filter wide open.
type Subscription struct {
	AllEvents bool        `json:"all_events"`
	Events    []EventType `json:"events"`
	Wallets   []string    `json:"wallets"`  // user or vendor wallet addresses
	Sessions  []string    `json:"sessions"` // session IDs or codes
	MinAmount float64     `json:"min_amount"`
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans lifecycle events out to connected clients. It satisfies
// the Emitter interfaces of the permission and session services.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Emit queues a lifecycle event for broadcast. The event name becomes
// the feed's event type unchanged.
func (h *Hub) Emit(event string, payload any) {
	h.Broadcast(&Event{
		Type:      EventType(event),
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
}

// Broadcast sends an event to all matching clients without blocking
// the caller. A full queue drops the event rather than stalling the
// billing path.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Drop clients that cannot keep up with the feed.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// wants reports whether an event passes the client's filters.
func (c *Client) wants(event *Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.Events) > 0 && !containsEvent(sub.Events, event.Type) {
		return false
	}

	if len(sub.Wallets) > 0 {
		matched := false
		for _, w := range payloadWallets(event.Data) {
			if containsString(sub.Wallets, w) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.Sessions) > 0 {
		matched := false
		for _, s := range payloadSessions(event.Data) {
			if containsString(sub.Sessions, s) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if sub.MinAmount > 0 && event.Type == EventBillingTransaction {
		if amount, ok := payloadAmount(event.Data); ok && amount < sub.MinAmount {
			return false
		}
	}

	return true
}

// payloadWallets pulls every wallet address off a known payload type.
func payloadWallets(data any) []string {
	switch p := data.(type) {
	case *sessions.StreamingSession:
		return []string{p.UserWalletAddress, p.VendorWalletAddress}
	case *sessions.BillingTransaction:
		return []string{p.UserWalletAddress, p.VendorWalletAddress}
	case *permissions.SpendingPermission:
		return []string{p.UserWalletAddress}
	}
	return nil
}

// payloadSessions pulls session handles off a known payload type.
func payloadSessions(data any) []string {
	switch p := data.(type) {
	case *sessions.StreamingSession:
		return []string{p.ID, p.SessionCode}
	case *sessions.BillingTransaction:
		return []string{p.SessionID}
	}
	return nil
}

func payloadAmount(data any) (float64, bool) {
	if tx, ok := data.(*sessions.BillingTransaction); ok {
		return tx.Amount.InexactFloat64(), true
	}
	return 0, false
}

func containsEvent(haystack []EventType, needle EventType) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connected_clients": len(h.clients),
		"total_events":      h.totalEvents.Load(),
		"total_clients":     h.totalClients.Load(),
		"peak_clients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the connection alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes queued events and pings the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
