// Package channels implements lightweight presence channels: clients join
// named channels over a websocket and receive messages pushed through the
// admin API. Nothing is persisted.
package channels

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sinkron/sinkron/internal/metrics"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
	writeWait    = 10 * time.Second
	outboxSize   = 64
)

type client struct {
	conn   *websocket.Conn
	outbox chan []byte

	mu       sync.Mutex
	channels map[string]struct{}
}

// Hub is the shared channel registry. Empty channels are pruned when their
// last subscriber disconnects.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*client]struct{})}
}

// Serve runs one client connection until it closes. The caller has already
// upgraded the socket.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &client{
		conn:     conn,
		outbox:   make(chan []byte, outboxSize),
		channels: make(map[string]struct{}),
	}
	done := make(chan struct{})
	go c.writeLoop(done)
	c.readLoop(h)
	close(done)
	h.dropClient(c)
	conn.Close()
}

// Send delivers a message to every subscriber of the channel.
func (h *Hub) Send(channel, message string) {
	h.mu.Lock()
	subs := make([]*client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		subs = append(subs, c)
	}
	h.mu.Unlock()

	payload := []byte(message)
	for _, c := range subs {
		select {
		case c.outbox <- payload:
		default:
			log.Warn().Str("channel", channel).Msg("channel subscriber not keeping up, dropping message")
		}
	}
}

func (h *Hub) subscribe(c *client, channel string) {
	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*client]struct{})
		h.channels[channel] = subs
	}
	if _, already := subs[c]; !already {
		subs[c] = struct{}{}
		metrics.ChannelSubscribers.Inc()
	}
	h.mu.Unlock()

	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()

	log.Debug().Str("channel", channel).Msg("client subscribed to channel")
}

func (h *Hub) dropClient(c *client) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for name := range c.channels {
		channels = append(channels, name)
	}
	c.mu.Unlock()

	h.mu.Lock()
	for _, name := range channels {
		if subs, ok := h.channels[name]; ok {
			if _, member := subs[c]; member {
				delete(subs, c)
				metrics.ChannelSubscribers.Dec()
			}
			if len(subs) == 0 {
				delete(h.channels, name)
			}
		}
	}
	h.mu.Unlock()
}

func (c *client) readLoop(h *Hub) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if name, ok := strings.CutPrefix(string(data), "subscribe:"); ok && name != "" {
			h.subscribe(c, name)
		}
	}
}

func (c *client) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}
