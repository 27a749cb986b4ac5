// Package store is the persistence layer. It exposes row-level operations on
// collections, documents, groups and group members, and the atomic colrev
// increment the sync engine is built around.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Collection is one row of the collections table.
type Collection struct {
	ID          string
	IsRef       bool
	Colrev      int64
	Permissions string
}

// Document is one row of the documents table. Data is nil for tombstones.
type Document struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ColID       string
	Colrev      int64
	Data        []byte
	IsDeleted   bool
	Permissions string
}

// Store is implemented by the Postgres backend and by the in-memory store
// used in tests. Missing rows surface as protocol.NotFound errors; duplicate
// rows as protocol.Unprocessable; everything else wraps the driver error and
// maps to internal_server_error at the boundary.
type Store interface {
	GetCollection(ctx context.Context, id string) (*Collection, error)
	CreateCollection(ctx context.Context, id string, isRef bool, permissions string) (*Collection, error)
	DeleteCollection(ctx context.Context, id string) error
	UpdateCollectionPermissions(ctx context.Context, id, permissions string) error

	// IncrementColrev bumps the collection's colrev by one and returns the
	// new value in a single round-trip.
	IncrementColrev(ctx context.Context, id string) (int64, error)

	GetDocument(ctx context.Context, col string, id uuid.UUID) (*Document, error)
	DocumentExists(ctx context.Context, id uuid.UUID) (bool, error)
	InsertDocument(ctx context.Context, doc *Document) (time.Time, error)
	UpdateDocument(ctx context.Context, col string, id uuid.UUID, data []byte, colrev int64, isDeleted bool) (time.Time, error)
	UpdateDocumentPermissions(ctx context.Context, col string, id uuid.UUID, permissions string) error

	// ListDocuments returns documents of a collection ordered by created_at
	// ascending. With since == 0 it returns only live documents; otherwise it
	// returns every document, tombstones included, with colrev > since.
	ListDocuments(ctx context.Context, col string, since int64) ([]Document, error)

	GroupExists(ctx context.Context, id string) (bool, error)
	CreateGroup(ctx context.Context, id string) error
	// DeleteGroup removes the group and its memberships and returns the users
	// that were members, so callers can invalidate their cache entries.
	DeleteGroup(ctx context.Context, id string) ([]string, error)
	AddMember(ctx context.Context, user, group string) error
	RemoveMember(ctx context.Context, user, group string) error
	RemoveAllMembers(ctx context.Context, user string) error
	UserGroups(ctx context.Context, user string) ([]string, error)
	GroupMembers(ctx context.Context, group string) ([]string, error)
}
