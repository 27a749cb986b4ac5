package engine

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/sinkron/sinkron/internal/groups"
	"github.com/sinkron/sinkron/internal/permissions"
	"github.com/sinkron/sinkron/internal/protocol"
	"github.com/sinkron/sinkron/internal/store/storetest"
)

func anyPermissions() string {
	return permissions.Permissions{
		Read:   []permissions.Role{permissions.Any()},
		Create: []permissions.Role{permissions.Any()},
		Update: []permissions.Role{permissions.Any()},
		Delete: []permissions.Role{permissions.Any()},
	}.String()
}

func newTestRoot(t *testing.T, st *storetest.Store, opts Options) *Root {
	t.Helper()
	root := New(st, groups.New(st), opts)
	t.Cleanup(root.Close)
	return root
}

// docB64 builds a minimal automerge document for use as snapshot data.
func docB64(t *testing.T, title string) string {
	t.Helper()
	doc := automerge.New()
	if err := doc.Path("title").Set(title); err != nil {
		t.Fatalf("set title: %v", err)
	}
	return base64.StdEncoding.EncodeToString(doc.Save())
}

// updateB64 edits a forked copy of snapshot and returns the fork's bytes.
func updateB64(t *testing.T, snapshot, title string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(snapshot)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	fork, err := automerge.Load(raw)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if err := fork.Path("title").Set(title); err != nil {
		t.Fatalf("edit fork: %v", err)
	}
	return base64.StdEncoding.EncodeToString(fork.Save())
}

func titleOf(t *testing.T, data *string) string {
	t.Helper()
	if data == nil {
		t.Fatal("document has no data")
	}
	raw, err := base64.StdEncoding.DecodeString(*data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		t.Fatalf("load data: %v", err)
	}
	title, err := automerge.As[string](doc.Path("title").Get())
	if err != nil {
		t.Fatalf("read title: %v", err)
	}
	return title
}

func TestCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	if _, err := st.CreateCollection(ctx, "notes", false, anyPermissions()); err != nil {
		t.Fatal(err)
	}
	root := newTestRoot(t, st, Options{})

	col, err := root.Collection(ctx, "notes")
	if err != nil {
		t.Fatalf("resolve collection: %v", err)
	}

	id := uuid.New()
	data := docB64(t, "first")
	created, err := col.Create(ctx, id, data, ClientSource("alice"), uuid.New())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Colrev != 1 {
		t.Errorf("create colrev = %d, want 1", created.Colrev)
	}
	if created.UpdatedAt != created.CreatedAt {
		t.Errorf("fresh document has updatedAt != createdAt")
	}

	// a second document with the same id is rejected even across collections
	if _, err := col.Create(ctx, id, data, ClientSource("alice"), uuid.New()); protocol.CodeOf(err) != protocol.CodeUnprocessable {
		t.Errorf("duplicate create: %v", err)
	}

	update := updateB64(t, data, "second")
	updated, err := col.Update(ctx, id, update, ClientSource("alice"), uuid.New())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Colrev != 2 {
		t.Errorf("update colrev = %d, want 2", updated.Colrev)
	}
	if got := titleOf(t, updated.Data); got != "second" {
		t.Errorf("merged title = %q, want second", got)
	}

	got, err := col.Get(ctx, id, ClientSource("alice"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Colrev != 2 {
		t.Errorf("get colrev = %d, want 2", got.Colrev)
	}

	deleted, err := col.Delete(ctx, id, ClientSource("alice"), uuid.New())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Colrev != 3 || deleted.Data != nil {
		t.Errorf("delete result: colrev=%d data=%v", deleted.Colrev, deleted.Data)
	}

	// tombstones reject further mutations
	if _, err := col.Update(ctx, id, update, ClientSource("alice"), uuid.New()); protocol.CodeOf(err) != protocol.CodeUnprocessable {
		t.Errorf("update deleted: %v", err)
	}
	if _, err := col.Delete(ctx, id, ClientSource("alice"), uuid.New()); protocol.CodeOf(err) != protocol.CodeUnprocessable {
		t.Errorf("delete deleted: %v", err)
	}
}

func TestCollectionSync(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	if _, err := st.CreateCollection(ctx, "notes", false, anyPermissions()); err != nil {
		t.Fatal(err)
	}
	root := newTestRoot(t, st, Options{})
	col, err := root.Collection(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}

	// empty collection
	docs, colrev, err := col.Sync(ctx, 0, ClientSource("alice"))
	if err != nil {
		t.Fatalf("sync empty: %v", err)
	}
	if len(docs) != 0 || colrev != 0 {
		t.Errorf("sync empty: %d docs, colrev %d", len(docs), colrev)
	}

	kept := uuid.New()
	removed := uuid.New()
	data := docB64(t, "keep")
	if _, err := col.Create(ctx, kept, data, ClientSource("alice"), uuid.New()); err != nil {
		t.Fatal(err)
	}
	if _, err := col.Create(ctx, removed, docB64(t, "drop"), ClientSource("alice"), uuid.New()); err != nil {
		t.Fatal(err)
	}
	if _, err := col.Delete(ctx, removed, ClientSource("alice"), uuid.New()); err != nil {
		t.Fatal(err)
	}

	// fresh sync sees live documents only
	docs, colrev, err = col.Sync(ctx, 0, ClientSource("alice"))
	if err != nil {
		t.Fatalf("fresh sync: %v", err)
	}
	if colrev != 3 {
		t.Errorf("colrev = %d, want 3", colrev)
	}
	if len(docs) != 1 || docs[0].ID != kept {
		t.Errorf("fresh sync docs = %+v", docs)
	}

	// incremental sync sees the tombstone
	docs, _, err = col.Sync(ctx, 1, ClientSource("alice"))
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("incremental sync: %d docs, want 2", len(docs))
	}
	var tombstone *Document
	for i := range docs {
		if docs[i].ID == removed {
			tombstone = &docs[i]
		}
	}
	if tombstone == nil || tombstone.Data != nil {
		t.Errorf("tombstone missing or has data: %+v", tombstone)
	}

	// caller already up to date
	docs, _, err = col.Sync(ctx, 3, ClientSource("alice"))
	if err != nil || len(docs) != 0 {
		t.Errorf("up-to-date sync: docs=%v err=%v", docs, err)
	}

	// caller ahead of the server
	if _, _, err := col.Sync(ctx, 99, ClientSource("alice")); protocol.CodeOf(err) != protocol.CodeUnprocessable {
		t.Errorf("sync ahead: %v", err)
	}
}

func TestCollectionPermissions(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	perms := permissions.Permissions{
		Read:   []permissions.Role{permissions.User("alice"), permissions.Group("writers")},
		Create: []permissions.Role{permissions.Group("writers")},
		Update: []permissions.Role{permissions.Group("writers")},
		Delete: []permissions.Role{permissions.Group("writers")},
	}.String()
	if _, err := st.CreateCollection(ctx, "notes", false, perms); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateGroup(ctx, "writers"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddMember(ctx, "bob", "writers"); err != nil {
		t.Fatal(err)
	}
	root := newTestRoot(t, st, Options{})
	col, err := root.Collection(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}

	data := docB64(t, "x")

	// alice may read but not create
	if _, _, err := col.Sync(ctx, 0, ClientSource("alice")); err != nil {
		t.Errorf("alice sync: %v", err)
	}
	if _, err := col.Create(ctx, uuid.New(), data, ClientSource("alice"), uuid.New()); protocol.CodeOf(err) != protocol.CodeForbidden {
		t.Errorf("alice create: %v", err)
	}

	// bob creates through group membership
	id := uuid.New()
	if _, err := col.Create(ctx, id, data, ClientSource("bob"), uuid.New()); err != nil {
		t.Errorf("bob create: %v", err)
	}

	// outsiders are rejected outright
	if _, _, err := col.Sync(ctx, 0, ClientSource("mallory")); protocol.CodeOf(err) != protocol.CodeForbidden {
		t.Errorf("mallory sync: %v", err)
	}
	if _, err := col.Get(ctx, id, ClientSource("mallory")); protocol.CodeOf(err) != protocol.CodeForbidden {
		t.Errorf("mallory get: %v", err)
	}

	// the admin API bypasses permission checks entirely
	if _, err := col.Create(ctx, uuid.New(), data, APISource(), uuid.New()); err != nil {
		t.Errorf("api create: %v", err)
	}
	if _, _, err := col.Sync(ctx, 0, APISource()); err != nil {
		t.Errorf("api sync: %v", err)
	}
}

func TestCollectionBadData(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	if _, err := st.CreateCollection(ctx, "notes", false, anyPermissions()); err != nil {
		t.Fatal(err)
	}
	root := newTestRoot(t, st, Options{})
	col, err := root.Collection(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := col.Create(ctx, uuid.New(), "*** not base64 ***", ClientSource("alice"), uuid.New()); protocol.CodeOf(err) != protocol.CodeBadRequest {
		t.Errorf("create with bad base64: %v", err)
	}

	id := uuid.New()
	if _, err := col.Create(ctx, id, docB64(t, "x"), ClientSource("alice"), uuid.New()); err != nil {
		t.Fatal(err)
	}
	garbage := base64.StdEncoding.EncodeToString([]byte("not an automerge change"))
	if _, err := col.Update(ctx, id, garbage, ClientSource("alice"), uuid.New()); protocol.CodeOf(err) != protocol.CodeBadRequest {
		t.Errorf("update with garbage payload: %v", err)
	}
}

func TestCollectionNotFound(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	root := newTestRoot(t, st, Options{})

	if _, err := root.Collection(ctx, "missing"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("missing collection: %v", err)
	}

	if _, err := st.CreateCollection(ctx, "notes", false, anyPermissions()); err != nil {
		t.Fatal(err)
	}
	col, err := root.Collection(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := col.Get(ctx, uuid.New(), ClientSource("alice")); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("missing document: %v", err)
	}
}
