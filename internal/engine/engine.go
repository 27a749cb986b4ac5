// Package engine is the synchronization core: a root actor owning the
// directory of collection actors, one collection actor per actively used
// collection, and one client actor per websocket connection. All state is
// actor-owned; everything crosses goroutine boundaries by message.
package engine

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sinkron/sinkron/internal/groups"
	"github.com/sinkron/sinkron/internal/metrics"
	"github.com/sinkron/sinkron/internal/protocol"
	"github.com/sinkron/sinkron/internal/store"
)

const connectTimeout = 5 * time.Second

// Options tune per-client behavior. Zero values fall back to defaults;
// MsgRate 0 disables the inbound rate limit.
type Options struct {
	MsgRate           int
	MsgBurst          int
	MaxMessageSize    int64
	DisconnectTimeout time.Duration
}

type rootMsg interface {
	rootMsg()
}

type connectMsg struct {
	conn   *websocket.Conn
	user   string
	col    string
	colrev int64
}

type getColMsg struct {
	col   string
	reply chan colReply
}

type colReply struct {
	handle *CollectionHandle
	err    error
}

type dropColMsg struct {
	col   string
	reply chan struct{}
}

func (connectMsg) rootMsg() {}
func (getColMsg) rootMsg()  {}
func (dropColMsg) rootMsg() {}

// Root is the handle to the top-level actor.
type Root struct {
	mailbox chan rootMsg
	super   *supervisor
}

type rootActor struct {
	store        store.Store
	groups       *groups.API
	opts         Options
	mailbox      chan rootMsg
	exitCh       chan string
	super        *supervisor
	collections  map[string]*CollectionHandle
	nextClientID int64
	log          zerolog.Logger
}

func New(st store.Store, g *groups.API, opts Options) *Root {
	if opts.DisconnectTimeout == 0 {
		opts.DisconnectTimeout = defaultDisconnectTimeout
	}
	super := newSupervisor()
	actor := &rootActor{
		store:       st,
		groups:      g,
		opts:        opts,
		mailbox:     make(chan rootMsg, 64),
		exitCh:      make(chan string, 64),
		super:       super,
		collections: make(map[string]*CollectionHandle),
		log:         log.With().Str("actor", "root").Logger(),
	}
	super.spawn(actor.run, nil)
	return &Root{mailbox: actor.mailbox, super: super}
}

// Connect hands a freshly upgraded websocket to the engine. The engine owns
// the connection from this point on.
func (r *Root) Connect(conn *websocket.Conn, user, col string, colrev int64) {
	select {
	case r.mailbox <- connectMsg{conn: conn, user: user, col: col, colrev: colrev}:
	case <-r.super.Done():
		conn.Close()
	}
}

// Collection resolves (spawning if needed) the actor for a collection. The
// admin surface routes document operations through it so that API writes
// broadcast exactly like client writes.
func (r *Root) Collection(ctx context.Context, col string) (*CollectionHandle, error) {
	reply := make(chan colReply, 1)
	select {
	case r.mailbox <- getColMsg{col: col, reply: reply}:
	case <-r.super.Done():
		return nil, protocol.Internal("engine stopped")
	case <-ctx.Done():
		return nil, protocol.Internal("operation cancelled")
	}
	select {
	case res := <-reply:
		return res.handle, res.err
	case <-r.super.Done():
		return nil, protocol.Internal("engine stopped")
	case <-ctx.Done():
		return nil, protocol.Internal("operation cancelled")
	}
}

// DropCollection stops the live actor for a collection, if any. Subscribed
// clients are disconnected. The row itself is deleted by the caller.
func (r *Root) DropCollection(ctx context.Context, col string) error {
	reply := make(chan struct{}, 1)
	select {
	case r.mailbox <- dropColMsg{col: col, reply: reply}:
	case <-r.super.Done():
		return protocol.Internal("engine stopped")
	case <-ctx.Done():
		return protocol.Internal("operation cancelled")
	}
	select {
	case <-reply:
		return nil
	case <-r.super.Done():
		return protocol.Internal("engine stopped")
	case <-ctx.Done():
		return protocol.Internal("operation cancelled")
	}
}

// Close stops the root actor and every collection actor under it. Client
// connections drop as their collection actors stop.
func (r *Root) Close() {
	r.super.Stop()
}

func (a *rootActor) run() {
	a.log.Debug().Msg("root actor start")
	for {
		select {
		case msg := <-a.mailbox:
			a.handleMessage(msg)
		case id := <-a.exitCh:
			a.log.Debug().Str("col", id).Msg("collection exited")
			a.reapCollection(id)
		case <-a.super.Done():
			for _, h := range a.collections {
				h.super.Stop()
			}
			a.log.Debug().Msg("root actor exit")
			return
		}
	}
}

func (a *rootActor) handleMessage(msg rootMsg) {
	switch m := msg.(type) {
	case connectMsg:
		a.handleConnect(m)
	case getColMsg:
		handle, err := a.collectionByID(m.col)
		m.reply <- colReply{handle: handle, err: err}
	case dropColMsg:
		if h, ok := a.collections[m.col]; ok {
			h.super.Stop()
			delete(a.collections, m.col)
		}
		m.reply <- struct{}{}
	}
}

// handleConnect is the only root operation that touches the store: the
// collection existence check for a connecting client.
func (a *rootActor) handleConnect(msg connectMsg) {
	a.log.Debug().Str("user", msg.user).Str("col", msg.col).Msg("client connect")

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	col, err := a.store.GetCollection(ctx, msg.col)
	cancel()
	if err != nil {
		code := protocol.CodeOf(err)
		if code == protocol.CodeInternal {
			a.log.Error().Err(err).Msg("collection lookup failed")
		}
		RejectSocket(msg.conn, msg.col, code)
		return
	}

	collection := a.collectionHandle(col)

	a.nextClientID++
	clientID := a.nextClientID

	var limiter *rate.Limiter
	if a.opts.MsgRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.opts.MsgRate), a.opts.MsgBurst)
	}
	// counted before the spawn: the client's exit hook may run immediately
	metrics.ConnectedClients.Inc()
	client := spawnClient(clientParams{
		clientID:   clientID,
		userID:     msg.user,
		conn:       msg.conn,
		collection: collection,
		colrev:     msg.colrev,
		limiter:    limiter,
		timeout:    a.opts.DisconnectTimeout,
		readLimit:  a.opts.MaxMessageSize,
		onExit: func() {
			collection.Unsubscribe(clientID)
			metrics.ConnectedClients.Dec()
		},
	})

	collection.Subscribe(clientID, client)
}

// reapCollection removes an exited actor from the directory. The exit
// notification can trail a re-spawn of the same collection; only a handle
// that is actually done may be dropped, or the live actor would be orphaned.
func (a *rootActor) reapCollection(id string) {
	h, ok := a.collections[id]
	if !ok {
		return
	}
	select {
	case <-h.super.Done():
		delete(a.collections, id)
	default:
	}
}

func (a *rootActor) collectionByID(id string) (*CollectionHandle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	col, err := a.store.GetCollection(ctx, id)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return a.collectionHandle(col), nil
}

func (a *rootActor) collectionHandle(col *store.Collection) *CollectionHandle {
	if h, ok := a.collections[col.ID]; ok {
		select {
		case <-h.super.Done():
			// exited but not reaped yet, fall through and re-spawn
		default:
			return h
		}
	}
	return a.spawnCollection(col)
}

func (a *rootActor) spawnCollection(col *store.Collection) *CollectionHandle {
	id := col.ID
	onExit := func() {
		metrics.ActiveCollections.Dec()
		select {
		case a.exitCh <- id:
		case <-a.super.Done():
		}
	}
	handle := newCollectionActor(col, a.store, a.groups, onExit)
	a.collections[id] = handle
	metrics.ActiveCollections.Inc()
	return handle
}

// RejectSocket reports a connect failure over the still-open socket, then
// closes it. The HTTP layer uses it for auth failures before the handover.
func RejectSocket(conn *websocket.Conn, col string, code protocol.ErrorCode) {
	defer conn.Close()
	payload, err := protocol.Encode(protocol.NewSyncError(col, code))
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, payload)
}
