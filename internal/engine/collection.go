package engine

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sinkron/sinkron/internal/crdt"
	"github.com/sinkron/sinkron/internal/groups"
	"github.com/sinkron/sinkron/internal/metrics"
	"github.com/sinkron/sinkron/internal/permissions"
	"github.com/sinkron/sinkron/internal/protocol"
	"github.com/sinkron/sinkron/internal/store"
)

const colMailboxSize = 256

// Collection actor messages. Operations carry a one-shot reply channel
// (buffered, so the actor never blocks on a gone caller).

type colMsg interface {
	colMsg()
}

type subscribeMsg struct {
	clientID int64
	handle   *ClientHandle
}

type unsubscribeMsg struct {
	clientID int64
}

type syncMsg struct {
	colrev int64
	source Source
	reply  chan syncReply
}

type syncReply struct {
	documents []Document
	colrev    int64
	err       error
}

type getMsg struct {
	id     uuid.UUID
	source Source
	reply  chan docReply
}

type createMsg struct {
	id       uuid.UUID
	data     string
	source   Source
	changeid uuid.UUID
	reply    chan docReply
}

type updateMsg struct {
	id       uuid.UUID
	data     string
	source   Source
	changeid uuid.UUID
	reply    chan docReply
}

type deleteMsg struct {
	id       uuid.UUID
	source   Source
	changeid uuid.UUID
	reply    chan docReply
}

type docReply struct {
	doc *Document
	err error
}

func (subscribeMsg) colMsg()   {}
func (unsubscribeMsg) colMsg() {}
func (syncMsg) colMsg()        {}
func (getMsg) colMsg()         {}
func (createMsg) colMsg()      {}
func (updateMsg) colMsg()      {}
func (deleteMsg) colMsg()      {}

// CollectionHandle is the mailbox sender side of a collection actor. Handles
// stay valid after the actor exits; operations then fail with an internal
// error and the root re-spawns the actor on next demand.
type CollectionHandle struct {
	ID      string
	mailbox chan colMsg
	super   *supervisor
}

func (h *CollectionHandle) send(ctx context.Context, msg colMsg) error {
	select {
	case h.mailbox <- msg:
		return nil
	case <-h.super.Done():
		return protocol.Internal("collection actor stopped")
	case <-ctx.Done():
		return protocol.Internal("operation cancelled")
	}
}

func (h *CollectionHandle) await(ctx context.Context, reply chan docReply) (*Document, error) {
	select {
	case r := <-reply:
		return r.doc, r.err
	case <-h.super.Done():
		return nil, protocol.Internal("collection actor stopped")
	case <-ctx.Done():
		return nil, protocol.Internal("operation cancelled")
	}
}

// Sync returns the documents the caller is missing and the current colrev.
func (h *CollectionHandle) Sync(ctx context.Context, colrev int64, source Source) ([]Document, int64, error) {
	reply := make(chan syncReply, 1)
	if err := h.send(ctx, syncMsg{colrev: colrev, source: source, reply: reply}); err != nil {
		return nil, 0, err
	}
	select {
	case r := <-reply:
		return r.documents, r.colrev, r.err
	case <-h.super.Done():
		return nil, 0, protocol.Internal("collection actor stopped")
	case <-ctx.Done():
		return nil, 0, protocol.Internal("operation cancelled")
	}
}

func (h *CollectionHandle) Get(ctx context.Context, id uuid.UUID, source Source) (*Document, error) {
	reply := make(chan docReply, 1)
	if err := h.send(ctx, getMsg{id: id, source: source, reply: reply}); err != nil {
		return nil, err
	}
	return h.await(ctx, reply)
}

func (h *CollectionHandle) Create(ctx context.Context, id uuid.UUID, data string, source Source, changeid uuid.UUID) (*Document, error) {
	reply := make(chan docReply, 1)
	if err := h.send(ctx, createMsg{id: id, data: data, source: source, changeid: changeid, reply: reply}); err != nil {
		return nil, err
	}
	return h.await(ctx, reply)
}

func (h *CollectionHandle) Update(ctx context.Context, id uuid.UUID, data string, source Source, changeid uuid.UUID) (*Document, error) {
	reply := make(chan docReply, 1)
	if err := h.send(ctx, updateMsg{id: id, data: data, source: source, changeid: changeid, reply: reply}); err != nil {
		return nil, err
	}
	return h.await(ctx, reply)
}

func (h *CollectionHandle) Delete(ctx context.Context, id uuid.UUID, source Source, changeid uuid.UUID) (*Document, error) {
	reply := make(chan docReply, 1)
	if err := h.send(ctx, deleteMsg{id: id, source: source, changeid: changeid, reply: reply}); err != nil {
		return nil, err
	}
	return h.await(ctx, reply)
}

func (h *CollectionHandle) Subscribe(clientID int64, client *ClientHandle) {
	select {
	case h.mailbox <- subscribeMsg{clientID: clientID, handle: client}:
	case <-h.super.Done():
		client.Stop()
	}
}

func (h *CollectionHandle) Unsubscribe(clientID int64) {
	select {
	case h.mailbox <- unsubscribeMsg{clientID: clientID}:
	case <-h.super.Done():
	}
}

type collectionActor struct {
	id          string
	colrev      int64
	perms       permissions.Permissions
	store       store.Store
	groups      *groups.API
	subscribers map[int64]*ClientHandle
	mailbox     chan colMsg
	super       *supervisor
	log         zerolog.Logger
}

// newCollectionActor spawns the actor for one collection, seeded with the
// current colrev and permissions from its row.
func newCollectionActor(col *store.Collection, st store.Store, g *groups.API, onExit func()) *CollectionHandle {
	super := newSupervisor()
	actor := &collectionActor{
		id:          col.ID,
		colrev:      col.Colrev,
		perms:       permissions.ParseOrEmpty(col.Permissions),
		store:       st,
		groups:      g,
		subscribers: make(map[int64]*ClientHandle),
		mailbox:     make(chan colMsg, colMailboxSize),
		super:       super,
		log:         log.With().Str("col", col.ID).Logger(),
	}
	super.spawn(actor.run, onExit)
	return &CollectionHandle{ID: col.ID, mailbox: actor.mailbox, super: super}
}

func (a *collectionActor) run() {
	a.log.Debug().Msg("collection actor start")
	for {
		select {
		case msg := <-a.mailbox:
			a.handleMessage(msg)
		case <-a.super.Done():
			a.drain()
			a.stopSubscribers()
			a.log.Debug().Msg("collection actor exit")
			return
		}
	}
}

// drain finishes the messages already queued before exiting, so no caller is
// left waiting on a dropped reply channel.
func (a *collectionActor) drain() {
	for {
		select {
		case msg := <-a.mailbox:
			a.handleMessage(msg)
		default:
			return
		}
	}
}

func (a *collectionActor) stopSubscribers() {
	for _, sub := range a.subscribers {
		sub.Stop()
	}
}

func (a *collectionActor) handleMessage(msg colMsg) {
	switch m := msg.(type) {
	case subscribeMsg:
		a.subscribers[m.clientID] = m.handle
		a.log.Debug().Int64("client", m.clientID).Msg("client subscribed")
	case unsubscribeMsg:
		delete(a.subscribers, m.clientID)
		a.log.Debug().Int64("client", m.clientID).Msg("client unsubscribed")
		if len(a.subscribers) == 0 {
			a.log.Debug().Msg("last client unsubscribed")
			a.super.Stop()
		}
	case syncMsg:
		documents, colrev, err := a.handleSync(m.colrev, m.source)
		m.reply <- syncReply{documents: documents, colrev: colrev, err: err}
	case getMsg:
		doc, err := a.handleGet(m.id, m.source)
		m.reply <- docReply{doc: doc, err: err}
	case createMsg:
		doc, err := a.handleCreate(m.id, m.data, m.source, m.changeid)
		countMutation("create", err)
		m.reply <- docReply{doc: doc, err: err}
	case updateMsg:
		doc, err := a.handleUpdate(m.id, m.data, m.source, m.changeid)
		countMutation("update", err)
		m.reply <- docReply{doc: doc, err: err}
	case deleteMsg:
		doc, err := a.handleDelete(m.id, m.source, m.changeid)
		countMutation("delete", err)
		m.reply <- docReply{doc: doc, err: err}
	}
}

func countMutation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Mutations.WithLabelValues(op, result).Inc()
}

func (a *collectionActor) checkColPermission(source Source, action permissions.Action) error {
	if source.IsAPI() {
		return nil
	}
	user, err := a.groups.GetUser(context.Background(), source.User)
	if err != nil {
		a.log.Error().Err(err).Msg("group lookup failed")
		return protocol.AsError(err)
	}
	if !a.perms.Check(action, user.ID, user.Groups) {
		return protocol.Forbidden("operation is forbidden")
	}
	return nil
}

func (a *collectionActor) checkDocPermission(doc *store.Document, source Source, action permissions.Action) error {
	if source.IsAPI() {
		return nil
	}
	user, err := a.groups.GetUser(context.Background(), source.User)
	if err != nil {
		a.log.Error().Err(err).Msg("group lookup failed")
		return protocol.AsError(err)
	}
	perms := permissions.ParseOrEmpty(doc.Permissions)
	if !perms.Check(action, user.ID, user.Groups) {
		return protocol.Forbidden("operation is forbidden")
	}
	return nil
}

func (a *collectionActor) handleSync(colrev int64, source Source) ([]Document, int64, error) {
	if err := a.checkColPermission(source, permissions.ActionRead); err != nil {
		return nil, 0, err
	}
	if colrev > a.colrev {
		return nil, 0, protocol.Unprocessable("invalid colrev")
	}
	if colrev == a.colrev {
		return []Document{}, a.colrev, nil
	}

	rows, err := a.store.ListDocuments(context.Background(), a.id, colrev)
	if err != nil {
		a.log.Error().Err(err).Msg("list documents failed")
		return nil, 0, protocol.AsError(err)
	}
	documents := make([]Document, len(rows))
	for i := range rows {
		documents[i] = docFromStore(&rows[i])
	}
	return documents, a.colrev, nil
}

func (a *collectionActor) handleGet(id uuid.UUID, source Source) (*Document, error) {
	row, err := a.store.GetDocument(context.Background(), a.id, id)
	if err != nil {
		return nil, a.storeError("get document", err)
	}
	if err := a.checkDocPermission(row, source, permissions.ActionRead); err != nil {
		return nil, err
	}
	doc := docFromStore(row)
	return &doc, nil
}

func (a *collectionActor) handleCreate(id uuid.UUID, data string, source Source, changeid uuid.UUID) (*Document, error) {
	if err := a.checkColPermission(source, permissions.ActionCreate); err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := a.store.DocumentExists(ctx, id)
	if err != nil {
		return nil, a.storeError("count documents", err)
	}
	if exists {
		return nil, protocol.Unprocessable("duplicate document id")
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, protocol.BadRequest("couldn't decode data from base64")
	}

	colrev, err := a.incrementColrev(ctx)
	if err != nil {
		return nil, err
	}

	// New documents start with the collection's permissions.
	perms := a.perms.String()
	createdAt, err := a.store.InsertDocument(ctx, &store.Document{
		ID:          id,
		ColID:       a.id,
		Colrev:      colrev,
		Data:        decoded,
		Permissions: perms,
	})
	if err != nil {
		return nil, a.storeError("insert document", err)
	}

	a.broadcast(protocol.NewServerChange(
		id, a.id, colrev, protocol.OpCreate, &data, changeid, createdAt, createdAt))

	return &Document{
		ID:          id,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		Col:         a.id,
		Colrev:      colrev,
		Data:        &data,
		Permissions: perms,
	}, nil
}

func (a *collectionActor) handleUpdate(id uuid.UUID, data string, source Source, changeid uuid.UUID) (*Document, error) {
	ctx := context.Background()
	row, err := a.store.GetDocument(ctx, a.id, id)
	if err != nil {
		return nil, a.storeError("get document", err)
	}
	if err := a.checkDocPermission(row, source, permissions.ActionUpdate); err != nil {
		return nil, err
	}
	if row.Data == nil {
		return nil, protocol.Unprocessable("couldn't update deleted document")
	}

	update, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, protocol.BadRequest("couldn't decode update from base64")
	}

	merged, err := crdt.Merge(a.super.Context(), row.Data, update)
	if err != nil {
		if errors.Is(err, crdt.ErrTimeout) {
			// Not a user error: the collection is in an unrecoverable state,
			// terminate the actor and let the root re-spawn it on demand.
			a.log.Error().Msg("crdt merge timed out, stopping collection actor")
			a.super.Stop()
			return nil, protocol.Internal("crdt merge timed out")
		}
		return nil, protocol.AsError(err)
	}

	colrev, err := a.incrementColrev(ctx)
	if err != nil {
		return nil, err
	}
	updatedAt, err := a.store.UpdateDocument(ctx, a.id, id, merged, colrev, false)
	if err != nil {
		return nil, a.storeError("update document", err)
	}

	encoded := base64.StdEncoding.EncodeToString(merged)
	a.broadcast(protocol.NewServerChange(
		id, a.id, colrev, protocol.OpUpdate, &encoded, changeid, row.CreatedAt, updatedAt))

	return &Document{
		ID:          id,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   updatedAt,
		Col:         a.id,
		Colrev:      colrev,
		Data:        &encoded,
		Permissions: row.Permissions,
	}, nil
}

func (a *collectionActor) handleDelete(id uuid.UUID, source Source, changeid uuid.UUID) (*Document, error) {
	ctx := context.Background()
	row, err := a.store.GetDocument(ctx, a.id, id)
	if err != nil {
		return nil, a.storeError("get document", err)
	}
	if err := a.checkDocPermission(row, source, permissions.ActionDelete); err != nil {
		return nil, err
	}
	if row.Data == nil {
		return nil, protocol.Unprocessable("document is already deleted")
	}

	colrev, err := a.incrementColrev(ctx)
	if err != nil {
		return nil, err
	}
	updatedAt, err := a.store.UpdateDocument(ctx, a.id, id, nil, colrev, true)
	if err != nil {
		return nil, a.storeError("update document", err)
	}

	a.broadcast(protocol.NewServerChange(
		id, a.id, colrev, protocol.OpDelete, nil, changeid, row.CreatedAt, updatedAt))

	return &Document{
		ID:          id,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   updatedAt,
		Col:         a.id,
		Colrev:      colrev,
		Data:        nil,
		Permissions: row.Permissions,
	}, nil
}

func (a *collectionActor) incrementColrev(ctx context.Context) (int64, error) {
	colrev, err := a.store.IncrementColrev(ctx, a.id)
	if err != nil {
		return 0, a.storeError("increment colrev", err)
	}
	a.colrev = colrev
	return colrev, nil
}

func (a *collectionActor) storeError(op string, err error) error {
	if protocol.CodeOf(err) == protocol.CodeInternal {
		a.log.Error().Err(err).Msg(op + " failed")
	}
	return protocol.AsError(err)
}

// broadcast serializes the change once and hands every subscriber the same
// payload. A subscriber with a full outbox is stopped; its exit hook will
// unsubscribe it.
func (a *collectionActor) broadcast(msg protocol.ServerChangeMessage) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		a.log.Error().Err(err).Msg("couldn't encode change message")
		return
	}
	for id, sub := range a.subscribers {
		if !sub.Send(payload) {
			a.log.Warn().Int64("client", id).Msg("subscriber not keeping up, dropping")
			sub.Stop()
		}
	}
	metrics.Broadcasts.Inc()
}
