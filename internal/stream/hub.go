// Package stream is the WebSocket hub that pushes ledger events (balance
// changes, placed and settled trades, notifications) to connected clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/metrics"
)

// Event types published by the engine.
const (
	EventBalanceChanged = "balance_changed"
	EventTradePlaced    = "trade_placed"
	EventTradeSettled   = "trade_settled"
	EventNotification   = "notification"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 64
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

type envelope struct {
	accountID string
	payload   []byte
}

// client is one connection. Only clients that opted in with all=true
// receive every account's events.
type client struct {
	conn      *websocket.Conn
	accountID string
	all       bool
	send      chan []byte
}

func (c *client) wants(accountID string) bool {
	return c.all || (c.accountID != "" && c.accountID == accountID)
}

// Hub manages WebSocket connections and fans events out to the clients
// subscribed to the affected account.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws_hub"),
	}
}

// Run starts the hub's main event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "account_id", c.accountID, "all", c.all, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(env.accountID) {
					continue
				}
				select {
				case c.send <- env.payload:
				default:
					// Slow consumer: disconnect rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for subscribers of accountID. It never blocks.
func (h *Hub) Publish(accountID, eventType string, data any) {
	payload, err := json.Marshal(Event{
		Type:      eventType,
		AccountID: accountID,
		Data:      data,
		At:        time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("ws marshal failed", "type", eventType, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{accountID: accountID, payload: payload}:
	default:
		// Drop if buffer full to avoid blocking a ledger commit.
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /ws?account_id=... and streams that account's
// events. GET /ws?all=true is the operator feed of every account. A request
// with neither is refused before the upgrade.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := strings.TrimSpace(q.Get("account_id"))
	all, _ := strconv.ParseBool(q.Get("all"))
	if accountID == "" && !all {
		http.Error(w, "account_id is required (or all=true for every account)", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:      conn,
		accountID: accountID,
		all:       all,
		send:      make(chan []byte, clientBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the client's queue and pings through proxies.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
