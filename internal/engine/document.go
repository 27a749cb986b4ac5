package engine

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/sinkron/sinkron/internal/store"
)

// Source identifies the origin of an operation. API-sourced operations skip
// permission checks; client-sourced ones are checked against the user.
type Source struct {
	api  bool
	User string
}

func APISource() Source {
	return Source{api: true}
}

func ClientSource(user string) Source {
	return Source{User: user}
}

func (s Source) IsAPI() bool {
	return s.api
}

// Document is the external representation of a document row: opaque data is
// base64-encoded, tombstones carry nil data.
type Document struct {
	ID          uuid.UUID `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Col         string    `json:"col"`
	Colrev      int64     `json:"colrev"`
	Data        *string   `json:"data"`
	Permissions string    `json:"permissions"`
}

func docFromStore(doc *store.Document) Document {
	var data *string
	if doc.Data != nil {
		encoded := base64.StdEncoding.EncodeToString(doc.Data)
		data = &encoded
	}
	return Document{
		ID:          doc.ID,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		Col:         doc.ColID,
		Colrev:      doc.Colrev,
		Data:        data,
		Permissions: doc.Permissions,
	}
}
