package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDecodeClientMessage(t *testing.T) {
	docID := "00000000-0000-0000-0000-000000000001"
	changeID := "00000000-0000-0000-0000-00000000000a"

	tests := []struct {
		name    string
		input   string
		want    ClientMessage
		wantErr bool
	}{
		{
			name:  "heartbeat",
			input: `{"kind":"h","i":3}`,
			want:  HeartbeatMessage{Kind: "h", I: 3},
		},
		{
			name:  "get",
			input: fmt.Sprintf(`{"kind":"get","id":%q,"col":"c1"}`, docID),
			want:  GetMessage{Kind: "get", ID: uuid.MustParse(docID), Col: "c1"},
		},
		{
			name:  "change create",
			input: fmt.Sprintf(`{"kind":"change","id":%q,"col":"c1","op":"+","data":"AAE=","changeid":%q}`, docID, changeID),
			want: ClientChangeMessage{
				Kind:     "change",
				ID:       uuid.MustParse(docID),
				Col:      "c1",
				Op:       OpCreate,
				Data:     strptr("AAE="),
				Changeid: uuid.MustParse(changeID),
			},
		},
		{
			name:  "change delete without data",
			input: fmt.Sprintf(`{"kind":"change","id":%q,"col":"c1","op":"-","changeid":%q}`, docID, changeID),
			want: ClientChangeMessage{
				Kind:     "change",
				ID:       uuid.MustParse(docID),
				Col:      "c1",
				Op:       OpDelete,
				Changeid: uuid.MustParse(changeID),
			},
		},
		{
			name:    "unknown kind",
			input:   `{"kind":"nope"}`,
			wantErr: true,
		},
		{
			name:    "unknown op",
			input:   fmt.Sprintf(`{"kind":"change","id":%q,"col":"c1","op":"x","changeid":%q}`, docID, changeID),
			wantErr: true,
		},
		{
			name:    "malformed json",
			input:   `{"kind":`,
			wantErr: true,
		},
		{
			name:    "bad uuid",
			input:   `{"kind":"get","id":"not-a-uuid","col":"c1"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch want := tt.want.(type) {
			case HeartbeatMessage:
				if got != want {
					t.Errorf("got %#v, want %#v", got, want)
				}
			case GetMessage:
				if got != want {
					t.Errorf("got %#v, want %#v", got, want)
				}
			case ClientChangeMessage:
				g, ok := got.(ClientChangeMessage)
				if !ok {
					t.Fatalf("got %#v, want change message", got)
				}
				if g.ID != want.ID || g.Col != want.Col || g.Op != want.Op || g.Changeid != want.Changeid {
					t.Errorf("got %#v, want %#v", g, want)
				}
				if (g.Data == nil) != (want.Data == nil) {
					t.Errorf("data presence: got %v, want %v", g.Data, want.Data)
				}
				if g.Data != nil && want.Data != nil && *g.Data != *want.Data {
					t.Errorf("data: got %q, want %q", *g.Data, *want.Data)
				}
			}
		})
	}
}

func TestEncodeServerMessages(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	changeid := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		msg      any
		contains []string
	}{
		{
			name:     "heartbeat",
			msg:      NewHeartbeat(4),
			contains: []string{`"kind":"h"`, `"i":4`},
		},
		{
			name:     "sync complete",
			msg:      NewSyncComplete("c1", 7),
			contains: []string{`"kind":"sync_complete"`, `"col":"c1"`, `"colrev":7`},
		},
		{
			name:     "sync error",
			msg:      NewSyncError("c1", CodeUnprocessable),
			contains: []string{`"kind":"sync_error"`, `"code":"unprocessable_content"`},
		},
		{
			name:     "get error",
			msg:      NewGetError(id, CodeForbidden),
			contains: []string{`"kind":"get_error"`, `"code":"forbidden"`},
		},
		{
			name:     "doc tombstone has null data",
			msg:      NewDoc(id, "c1", 2, nil, ts, ts),
			contains: []string{`"kind":"doc"`, `"data":null`, `"createdAt":"2024-05-01T12:00:00Z"`},
		},
		{
			name:     "change",
			msg:      NewServerChange(id, "c1", 3, OpUpdate, strptr("AAE="), changeid, ts, ts),
			contains: []string{`"kind":"change"`, `"op":"*"`, `"data":"AAE="`, `"colrev":3`, `"updatedAt":"2024-05-01T12:00:00Z"`},
		},
		{
			name:     "change error",
			msg:      NewChangeError(id, changeid, CodeBadRequest),
			contains: []string{`"kind":"change_error"`, `"code":"bad_request"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(string(data), want) {
					t.Errorf("encoded %s missing %s", data, want)
				}
			}
		})
	}
}

func TestServerChangeRoundTrip(t *testing.T) {
	id := uuid.New()
	changeid := uuid.New()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	msg := NewServerChange(id, "c1", 5, OpCreate, strptr("AAE="), changeid, ts, ts)
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got ServerChangeMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != id || got.Changeid != changeid || got.Colrev != 5 || got.Op != OpCreate {
		t.Errorf("round trip mismatch: %#v", got)
	}
	if !got.CreatedAt.Equal(ts) {
		t.Errorf("createdAt: got %v, want %v", got.CreatedAt, ts)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err    error
		code   ErrorCode
		status int
	}{
		{BadRequest("x"), CodeBadRequest, http.StatusBadRequest},
		{AuthFailed("x"), CodeAuthFailed, http.StatusUnauthorized},
		{NotFound("x"), CodeNotFound, http.StatusNotFound},
		{Forbidden("x"), CodeForbidden, http.StatusForbidden},
		{Unprocessable("x"), CodeUnprocessable, http.StatusUnprocessableEntity},
		{Internal("x"), CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.code {
			t.Errorf("CodeOf(%v) = %v, want %v", tt.err, got, tt.code)
		}
		if got := HTTPStatus(tt.code); got != tt.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.code, got, tt.status)
		}
	}
}

func TestCodeOfWrappedError(t *testing.T) {
	err := fmt.Errorf("loading document: %w", NotFound("document not found"))
	if got := CodeOf(err); got != CodeNotFound {
		t.Errorf("CodeOf wrapped = %v, want not_found", got)
	}
	if got := CodeOf(errors.New("disk on fire")); got != CodeInternal {
		t.Errorf("CodeOf unknown = %v, want internal", got)
	}
}

func strptr(s string) *string { return &s }
