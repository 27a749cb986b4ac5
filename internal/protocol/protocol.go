// Package protocol defines the JSON message envelopes exchanged between
// clients and the server over the sync websocket. Every message is a single
// text frame holding one object with a "kind" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op identifies the mutation kind carried by a change message.
type Op string

const (
	OpCreate Op = "+"
	OpDelete Op = "-"
	OpUpdate Op = "*"
)

func (op *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch Op(s) {
	case OpCreate, OpDelete, OpUpdate:
		*op = Op(s)
		return nil
	}
	return fmt.Errorf("unknown op %q", s)
}

// Client -> server messages.

type ClientMessage interface {
	clientMessage()
}

type HeartbeatMessage struct {
	Kind string `json:"kind"`
	I    int    `json:"i"`
}

type GetMessage struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
	Col  string    `json:"col"`
}

type ClientChangeMessage struct {
	Kind     string    `json:"kind"`
	ID       uuid.UUID `json:"id"`
	Col      string    `json:"col"`
	Op       Op        `json:"op"`
	Data     *string   `json:"data,omitempty"`
	Changeid uuid.UUID `json:"changeid"`
}

func (HeartbeatMessage) clientMessage()    {}
func (GetMessage) clientMessage()          {}
func (ClientChangeMessage) clientMessage() {}

// DecodeClientMessage parses one inbound frame. Unknown kinds and malformed
// payloads are errors; the caller drops the connection on any of them.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch probe.Kind {
	case "h":
		var m HeartbeatMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode heartbeat: %w", err)
		}
		return m, nil
	case "get":
		var m GetMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode get: %w", err)
		}
		return m, nil
	case "change":
		var m ClientChangeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode change: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown message kind %q", probe.Kind)
}

// Server -> client messages. Constructors fill the kind discriminator;
// marshal with Encode.

type SyncCompleteMessage struct {
	Kind   string `json:"kind"`
	Col    string `json:"col"`
	Colrev int64  `json:"colrev"`
}

type SyncErrorMessage struct {
	Kind string    `json:"kind"`
	Col  string    `json:"col"`
	Code ErrorCode `json:"code"`
}

type GetErrorMessage struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
	Code ErrorCode `json:"code"`
}

type DocMessage struct {
	Kind      string    `json:"kind"`
	ID        uuid.UUID `json:"id"`
	Col       string    `json:"col"`
	Colrev    int64     `json:"colrev"`
	Data      *string   `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ServerChangeMessage struct {
	Kind      string    `json:"kind"`
	ID        uuid.UUID `json:"id"`
	Col       string    `json:"col"`
	Colrev    int64     `json:"colrev"`
	Op        Op        `json:"op"`
	Data      *string   `json:"data"`
	Changeid  uuid.UUID `json:"changeid"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ChangeErrorMessage struct {
	Kind     string    `json:"kind"`
	ID       uuid.UUID `json:"id"`
	Changeid uuid.UUID `json:"changeid"`
	Code     ErrorCode `json:"code"`
}

func NewHeartbeat(i int) HeartbeatMessage {
	return HeartbeatMessage{Kind: "h", I: i}
}

func NewSyncComplete(col string, colrev int64) SyncCompleteMessage {
	return SyncCompleteMessage{Kind: "sync_complete", Col: col, Colrev: colrev}
}

func NewSyncError(col string, code ErrorCode) SyncErrorMessage {
	return SyncErrorMessage{Kind: "sync_error", Col: col, Code: code}
}

func NewGetError(id uuid.UUID, code ErrorCode) GetErrorMessage {
	return GetErrorMessage{Kind: "get_error", ID: id, Code: code}
}

func NewDoc(id uuid.UUID, col string, colrev int64, data *string, createdAt, updatedAt time.Time) DocMessage {
	return DocMessage{
		Kind:      "doc",
		ID:        id,
		Col:       col,
		Colrev:    colrev,
		Data:      data,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func NewServerChange(id uuid.UUID, col string, colrev int64, op Op, data *string, changeid uuid.UUID, createdAt, updatedAt time.Time) ServerChangeMessage {
	return ServerChangeMessage{
		Kind:      "change",
		ID:        id,
		Col:       col,
		Colrev:    colrev,
		Op:        op,
		Data:      data,
		Changeid:  changeid,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func NewChangeError(id, changeid uuid.UUID, code ErrorCode) ChangeErrorMessage {
	return ChangeErrorMessage{Kind: "change_error", ID: id, Changeid: changeid, Code: code}
}

// Encode marshals a server message for the wire.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
