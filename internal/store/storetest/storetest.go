// Package storetest provides an in-memory store.Store for tests that
// exercise the engine and the HTTP surface without Postgres.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sinkron/sinkron/internal/protocol"
	"github.com/sinkron/sinkron/internal/store"
)

type member struct {
	user  string
	group string
}

// Store keeps everything under one mutex. Document insertion order breaks
// created_at ties so listings stay deterministic even within one clock tick.
type Store struct {
	mu          sync.Mutex
	collections map[string]*store.Collection
	documents   map[uuid.UUID]*store.Document
	docSeq      map[uuid.UUID]int
	groups      map[string]struct{}
	members     []member
	seq         int

	// Err, when set, is returned by every operation. Lets tests simulate a
	// storage outage.
	Err error
}

func New() *Store {
	return &Store{
		collections: make(map[string]*store.Collection),
		documents:   make(map[uuid.UUID]*store.Document),
		docSeq:      make(map[uuid.UUID]int),
		groups:      make(map[string]struct{}),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) GetCollection(_ context.Context, id string) (*store.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	col, ok := s.collections[id]
	if !ok {
		return nil, protocol.NotFound("collection not found")
	}
	c := *col
	return &c, nil
}

func (s *Store) CreateCollection(_ context.Context, id string, isRef bool, permissions string) (*store.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if _, ok := s.collections[id]; ok {
		return nil, protocol.Unprocessable("duplicate collection id")
	}
	col := &store.Collection{ID: id, IsRef: isRef, Permissions: permissions}
	s.collections[id] = col
	c := *col
	return &c, nil
}

func (s *Store) DeleteCollection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.collections[id]; !ok {
		return protocol.NotFound("collection not found")
	}
	delete(s.collections, id)
	for docID, doc := range s.documents {
		if doc.ColID == id {
			delete(s.documents, docID)
			delete(s.docSeq, docID)
		}
	}
	return nil
}

func (s *Store) UpdateCollectionPermissions(_ context.Context, id, permissions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	col, ok := s.collections[id]
	if !ok {
		return protocol.NotFound("collection not found")
	}
	col.Permissions = permissions
	return nil
}

func (s *Store) IncrementColrev(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	col, ok := s.collections[id]
	if !ok {
		return 0, protocol.NotFound("collection not found")
	}
	col.Colrev++
	return col.Colrev, nil
}

func (s *Store) GetDocument(_ context.Context, col string, id uuid.UUID) (*store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	doc, ok := s.documents[id]
	if !ok || doc.ColID != col {
		return nil, protocol.NotFound("document not found")
	}
	d := cloneDoc(doc)
	return &d, nil
}

func (s *Store) DocumentExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.documents[id]
	return ok, nil
}

func (s *Store) InsertDocument(_ context.Context, doc *store.Document) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return time.Time{}, s.Err
	}
	now := time.Now().UTC()
	d := cloneDoc(doc)
	d.CreatedAt = now
	d.UpdatedAt = now
	d.IsDeleted = false
	s.seq++
	s.documents[doc.ID] = &d
	s.docSeq[doc.ID] = s.seq
	return now, nil
}

func (s *Store) UpdateDocument(_ context.Context, col string, id uuid.UUID, data []byte, colrev int64, isDeleted bool) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return time.Time{}, s.Err
	}
	doc, ok := s.documents[id]
	if !ok || doc.ColID != col {
		return time.Time{}, protocol.NotFound("document not found")
	}
	now := time.Now().UTC()
	doc.Data = append([]byte(nil), data...)
	if data == nil {
		doc.Data = nil
	}
	doc.Colrev = colrev
	doc.IsDeleted = isDeleted
	doc.UpdatedAt = now
	return now, nil
}

func (s *Store) UpdateDocumentPermissions(_ context.Context, col string, id uuid.UUID, permissions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	doc, ok := s.documents[id]
	if !ok || doc.ColID != col {
		return protocol.NotFound("document not found")
	}
	doc.Permissions = permissions
	return nil
}

func (s *Store) ListDocuments(_ context.Context, col string, since int64) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var docs []store.Document
	for _, doc := range s.documents {
		if doc.ColID != col {
			continue
		}
		if since == 0 {
			if doc.IsDeleted {
				continue
			}
		} else if doc.Colrev <= since {
			continue
		}
		docs = append(docs, cloneDoc(doc))
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return s.docSeq[docs[i].ID] < s.docSeq[docs[j].ID]
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
	return docs, nil
}

func (s *Store) GroupExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.groups[id]
	return ok, nil
}

func (s *Store) CreateGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.groups[id]; ok {
		return protocol.Unprocessable("duplicate group id")
	}
	s.groups[id] = struct{}{}
	return nil
}

func (s *Store) DeleteGroup(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if _, ok := s.groups[id]; !ok {
		return nil, protocol.NotFound("group not found")
	}
	delete(s.groups, id)
	var users []string
	kept := s.members[:0]
	for _, m := range s.members {
		if m.group == id {
			users = append(users, m.user)
		} else {
			kept = append(kept, m)
		}
	}
	s.members = kept
	return users, nil
}

func (s *Store) AddMember(_ context.Context, user, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.groups[group]; !ok {
		return protocol.NotFound("group not found")
	}
	s.members = append(s.members, member{user: user, group: group})
	return nil
}

func (s *Store) RemoveMember(_ context.Context, user, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	removed := false
	kept := s.members[:0]
	for _, m := range s.members {
		if m.user == user && m.group == group {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	s.members = kept
	if !removed {
		return protocol.NotFound("group member not found")
	}
	return nil
}

func (s *Store) RemoveAllMembers(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	kept := s.members[:0]
	for _, m := range s.members {
		if m.user != user {
			kept = append(kept, m)
		}
	}
	s.members = kept
	return nil
}

func (s *Store) UserGroups(_ context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var groups []string
	for _, m := range s.members {
		if m.user == user {
			groups = append(groups, m.group)
		}
	}
	return groups, nil
}

func (s *Store) GroupMembers(_ context.Context, group string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var users []string
	for _, m := range s.members {
		if m.group == group {
			users = append(users, m.user)
		}
	}
	return users, nil
}

func cloneDoc(doc *store.Document) store.Document {
	d := *doc
	if doc.Data != nil {
		d.Data = append([]byte(nil), doc.Data...)
	}
	return d
}
