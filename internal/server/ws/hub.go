// Package ws bridges ledger events on the signal bus to browser clients over
// WebSocket: the live pool ticker and settlement announcements.
package ws

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

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	replayLimit    = 500
)

// Channels are the bus channels forwarded to clients.
var Channels = []string{
	domain.ChannelWagers,
	domain.ChannelMarkets,
	domain.ChannelSettlements,
}

// frame is one outgoing message: protobuf event frames go out as binary,
// control envelopes as text.
type frame struct {
	kind int
	data []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan frame
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its channels:
//
//	{"action":"subscribe","channels":["settlements"]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Hub manages connected WebSocket clients and broadcasts bus messages to the
// clients subscribed to each channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	startedAt  time.Time
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// NewHub creates a hub reading from bus. allowedOrigins restricts the
// handshake Origin; empty or "*" allows any.
func NewHub(bus domain.SignalBus, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		startedAt:  time.Now().UTC(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's event loop and the bus subscriptions. It returns when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range Channels {
		go h.subscribeToChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- frame{kind: websocket.BinaryMessage, data: msg.data}:
				default:
					h.logger.Warn("ws: dropping message for slow client",
						slog.String("channel", msg.channel),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- broadcastMsg{channel: channel, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection subscribed to
// every channel, or to the comma-separated ?channels= list. A client that
// reconnects with ?since=<unix ms> first receives the ledger events appended
// after that instant (at most replayLimit), followed by a "replay" envelope.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if q := r.URL.Query().Get("since"); q != "" {
		v, err := strconv.ParseInt(q, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "since must be unix milliseconds", http.StatusBadRequest)
			return
		}
		since = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan frame, sendBufferSize),
		subs: make(map[string]bool),
	}
	requested := Channels
	if q := r.URL.Query().Get("channels"); q != "" {
		requested = strings.Split(q, ",")
	}
	for _, ch := range requested {
		if known(ch) {
			c.subs[strings.TrimSpace(ch)] = true
		}
	}

	go c.writePump()
	// The hub only closes c.send once the client is registered, so the
	// replay runs first.
	if since >= 0 && !h.replay(r.Context(), c, since) {
		close(c.send)
		return
	}

	h.register <- c
	c.sendStatus()

	go c.readPump()
}

// replay queues the stream entries appended after since that match the
// client's channels, then a JSON envelope with the count. It reports false
// when the client stopped draining its buffer.
func (h *Hub) replay(ctx context.Context, c *client, since int64) bool {
	msgs, err := h.bus.StreamRead(ctx, domain.StreamLedgerEvents, strconv.FormatInt(since, 10)+"-0", replayLimit)
	if err != nil {
		// Live delivery still works without the backlog.
		h.logger.Warn("ws: replay read failed", slog.String("error", err.Error()))
		return true
	}

	sent := 0
	for _, m := range msgs {
		e, err := events.Decode(m.Payload)
		if err != nil || !c.isSubscribed(e.Channel()) {
			continue
		}
		if !c.queue(ctx, frame{kind: websocket.BinaryMessage, data: m.Payload}) {
			return false
		}
		sent++
	}

	envelope, err := json.Marshal(map[string]any{
		"type":      "replay",
		"count":     sent,
		"truncated": len(msgs) == replayLimit,
	})
	if err != nil {
		return true
	}
	return c.queue(ctx, frame{kind: websocket.TextMessage, data: envelope})
}

// queue blocks until f is buffered, the write deadline passes or ctx ends.
func (c *client) queue(ctx context.Context, f frame) bool {
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.send <- f:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func known(ch string) bool {
	ch = strings.TrimSpace(ch)
	for _, k := range Channels {
		if k == ch {
			return true
		}
	}
	return false
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range msg.Channels {
		ch = strings.TrimSpace(ch)
		if !known(ch) {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

// sendStatus pushes a JSON text envelope listing the client's channels.
func (c *client) sendStatus() {
	c.mu.RLock()
	channels := make([]string, 0, len(c.subs))
	for _, ch := range Channels {
		if c.subs[ch] {
			channels = append(channels, ch)
		}
	}
	c.mu.RUnlock()

	msg, err := json.Marshal(map[string]any{
		"type":           "feed_status",
		"channels":       channels,
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame{kind: websocket.TextMessage, data: msg}:
	default:
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
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
