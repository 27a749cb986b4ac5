package engine

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sinkron/sinkron/internal/metrics"
	"github.com/sinkron/sinkron/internal/protocol"
)

const (
	// Clients are expected to heartbeat well within this window.
	defaultDisconnectTimeout = 60 * time.Second

	writeWait  = 10 * time.Second
	outboxSize = 256
)

// ClientHandle lets the collection actor push pre-serialized frames to a
// connected client.
type ClientHandle struct {
	ID     int64
	outbox chan []byte
	super  *supervisor
}

// Send queues one outbound frame. It reports false when the client cannot
// keep up, in which case the caller should drop the client.
func (h *ClientHandle) Send(payload []byte) bool {
	select {
	case h.outbox <- payload:
		return true
	case <-h.super.Done():
		// already exiting, the frame can be dropped silently
		return true
	default:
		return false
	}
}

func (h *ClientHandle) Stop() {
	h.super.Stop()
}

type clientActor struct {
	clientID   int64
	userID     string
	conn       *websocket.Conn
	collection *CollectionHandle
	colrev     int64
	outbox     chan []byte
	super      *supervisor
	limiter    *rate.Limiter
	timeout    time.Duration
	readLimit  int64
	log        zerolog.Logger
}

type clientParams struct {
	clientID   int64
	userID     string
	conn       *websocket.Conn
	collection *CollectionHandle
	colrev     int64
	limiter    *rate.Limiter
	timeout    time.Duration
	readLimit  int64
	onExit     func()
}

func spawnClient(p clientParams) *ClientHandle {
	super := newSupervisor()
	actor := &clientActor{
		clientID:   p.clientID,
		userID:     p.userID,
		conn:       p.conn,
		collection: p.collection,
		colrev:     p.colrev,
		outbox:     make(chan []byte, outboxSize),
		super:      super,
		limiter:    p.limiter,
		timeout:    p.timeout,
		readLimit:  p.readLimit,
		log:        log.With().Int64("client", p.clientID).Str("user", p.userID).Logger(),
	}
	super.spawn(actor.run, p.onExit)
	return &ClientHandle{ID: p.clientID, outbox: actor.outbox, super: super}
}

func (c *clientActor) source() Source {
	return ClientSource(c.userID)
}

func (c *clientActor) run() {
	defer c.conn.Close()
	c.log.Debug().Msg("client start")

	start := time.Now()
	if !c.initialSync() {
		c.log.Debug().Msg("sync failed")
		return
	}
	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	c.log.Debug().Msg("sync completed")

	inbound := make(chan []byte)
	go c.readLoop(inbound)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-c.super.Done():
			return
		case <-timer.C:
			c.log.Debug().Msg("client disconnected by timeout")
			return
		case payload := <-c.outbox:
			if !c.write(payload) {
				return
			}
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			if !c.handleFrame(frame, timer) {
				return
			}
		}
	}
}

// readLoop feeds inbound text frames into the run loop. It exits when the
// socket errors (the run loop closes the connection on return, which also
// unblocks a pending read) or when the rate limit is violated.
func (c *clientActor) readLoop(inbound chan<- []byte) {
	defer close(inbound)
	if c.readLimit > 0 {
		c.conn.SetReadLimit(c.readLimit)
	}
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn().Msg("message rate limit exceeded, closing client")
			return
		}
		select {
		case inbound <- data:
		case <-c.super.Done():
			return
		}
	}
}

func (c *clientActor) initialSync() bool {
	documents, colrev, err := c.collection.Sync(c.super.Context(), c.colrev, c.source())
	if err != nil {
		c.send(protocol.NewSyncError(c.collection.ID, protocol.CodeOf(err)))
		return false
	}
	for i := range documents {
		doc := &documents[i]
		if !c.send(protocol.NewDoc(doc.ID, doc.Col, doc.Colrev, doc.Data, doc.CreatedAt, doc.UpdatedAt)) {
			return false
		}
	}
	return c.send(protocol.NewSyncComplete(c.collection.ID, colrev))
}

func (c *clientActor) handleFrame(frame []byte, timer *time.Timer) bool {
	msg, err := protocol.DecodeClientMessage(frame)
	if err != nil {
		c.log.Debug().Err(err).Msg("undecodable message")
		return false
	}
	switch m := msg.(type) {
	case protocol.HeartbeatMessage:
		metrics.MessagesReceived.WithLabelValues("h").Inc()
		resetTimer(timer, c.timeout)
		return c.send(protocol.NewHeartbeat(m.I + 1))
	case protocol.GetMessage:
		metrics.MessagesReceived.WithLabelValues("get").Inc()
		return c.handleGet(m)
	case protocol.ClientChangeMessage:
		metrics.MessagesReceived.WithLabelValues("change").Inc()
		return c.handleChange(m)
	}
	return true
}

func (c *clientActor) handleGet(msg protocol.GetMessage) bool {
	doc, err := c.collection.Get(c.super.Context(), msg.ID, c.source())
	if err != nil {
		return c.send(protocol.NewGetError(msg.ID, protocol.CodeOf(err)))
	}
	return c.send(protocol.NewDoc(doc.ID, doc.Col, doc.Colrev, doc.Data, doc.CreatedAt, doc.UpdatedAt))
}

func (c *clientActor) handleChange(msg protocol.ClientChangeMessage) bool {
	ctx := c.super.Context()
	var err error
	switch {
	case msg.Op == protocol.OpCreate && msg.Data != nil:
		_, err = c.collection.Create(ctx, msg.ID, *msg.Data, c.source(), msg.Changeid)
	case msg.Op == protocol.OpUpdate && msg.Data != nil:
		_, err = c.collection.Update(ctx, msg.ID, *msg.Data, c.source(), msg.Changeid)
	case msg.Op == protocol.OpDelete && msg.Data == nil:
		_, err = c.collection.Delete(ctx, msg.ID, c.source(), msg.Changeid)
	default:
		return c.send(protocol.NewChangeError(msg.ID, msg.Changeid, protocol.CodeBadRequest))
	}
	if err != nil {
		return c.send(protocol.NewChangeError(msg.ID, msg.Changeid, protocol.CodeOf(err)))
	}
	// No direct reply on success: the broadcast carries the change back to
	// the sender as well.
	return true
}

func (c *clientActor) send(msg any) bool {
	payload, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("couldn't encode message")
		return false
	}
	return c.write(payload)
}

func (c *clientActor) write(payload []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debug().Err(err).Msg("websocket write failed")
		return false
	}
	return true
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
