// Package ws bridges bus channels to browser WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/algobot/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// DefaultChannels are the bus channels bridged when Config.Channels is empty:
// engine events and entry order notices.
var DefaultChannels = []string{"events", "orders"}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[string]bool
}

// subscribeMsg is the JSON message a client sends to change its channels.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// envelope wraps every bus payload with the channel it came from.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Config captures the hub's channels and the status snapshot sent to
// clients on connect.
type Config struct {
	Channels []string
	// Status returns the snapshot pushed as the first frame, e.g. the risk
	// engine status. Optional.
	Status func() any
	// AllowedOrigins restricts the upgrade; empty allows every origin.
	AllowedOrigins []string
}

// Hub manages connected WebSocket clients and fans bus messages out to the
// clients subscribed to each channel.
type Hub struct {
	bus      domain.SignalBus
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub over bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	h := &Hub{
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run subscribes to every channel and broadcasts until ctx is cancelled,
// then disconnects all clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range h.cfg.Channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "subscribe failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		wg.Add(1)
		go func(channel string, msgs <-chan []byte) {
			defer wg.Done()
			for data := range msgs {
				h.Broadcast(channel, data)
			}
		}(ch, msgs)
	}

	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return nil
}

// Broadcast sends data to every client subscribed to channel. Slow clients
// drop the message rather than block the hub.
func (h *Hub) Broadcast(channel string, data []byte) {
	frame, err := json.Marshal(envelope{Channel: channel, Data: asJSON(data)})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(channel) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("channel", channel))
		}
	}
}

// asJSON passes JSON payloads through and quotes anything else.
func asJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(h.cfg.Channels)),
	}
	for _, ch := range h.cfg.Channels {
		c.subs[ch] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("total_clients", total))

	c.sendStatus()
	go c.writePump()
	go c.readPump()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.Int("total_clients", total))
}

// readPump handles subscription changes sent by the client.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// sendStatus pushes the status snapshot so clients can render immediately
// even when no events are flowing yet.
func (c *client) sendStatus() {
	if c.hub.cfg.Status == nil {
		return
	}
	msg, err := json.Marshal(map[string]any{
		"channel": "status",
		"data":    c.hub.cfg.Status(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// writePump writes queued frames as text messages and pings periodically.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
