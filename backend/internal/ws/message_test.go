package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/session"
)

func TestClientMessage_Validate(t *testing.T) {
	v := validator.New()
	ops := delta.Delta{delta.Insert("a", nil)}
	tests := []struct {
		name string
		msg  ClientMessage
		ok   bool
	}{
		{"heartbeat", ClientMessage{Type: TypeHeartbeat}, true},
		{"submit", ClientMessage{Type: TypeSubmitOperation, ClientID: "c1", ClientSeq: 1, Ops: ops}, true},
		{"unknown type", ClientMessage{Type: "createDocument"}, false},
		{"missing type", ClientMessage{}, false},
		{"submit without client", ClientMessage{Type: TypeSubmitOperation, ClientSeq: 1, Ops: ops}, false},
		{"submit without seq", ClientMessage{Type: TypeSubmitOperation, ClientID: "c1", Ops: ops}, false},
		{"submit without ops", ClientMessage{Type: TypeSubmitOperation, ClientID: "c1", ClientSeq: 1}, false},
		{"client id too long", ClientMessage{Type: TypeSubmitOperation, ClientID: strings.Repeat("x", 65), ClientSeq: 1, Ops: ops}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.msg)
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestFromEvent(t *testing.T) {
	entry := &oplog.LogEntry{Position: 7, Operation: oplog.Operation{
		AuthorSession: "s1", AuthorUser: 3, ClientID: "c1", ClientSeq: 4,
		Delta: delta.Delta{delta.Retain(1), delta.Insert("x", nil)},
	}}
	msg := fromEvent("doc", session.Event{Kind: session.EventBroadcast, Entry: entry})
	if msg.Type != TypeBroadcast || msg.Position != 7 || msg.AuthorSessionID != "s1" || msg.ClientSeq != 4 || len(msg.Ops) != 2 {
		t.Fatalf("fromEvent(broadcast) = %+v", msg)
	}

	msg = fromEvent("doc", session.Event{Kind: session.EventAccessDenied, Level: access.Read})
	if msg.Type != TypeAccessDenied || msg.Level != "read" {
		t.Fatalf("fromEvent(accessDenied) = %+v", msg)
	}

	raw, err := json.Marshal(fromEvent("doc", session.Event{Kind: session.EventResync, Version: 3, Content: delta.Delta{delta.Insert("abc", nil)}}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"resync","docId":"doc","version":3,"content":[{"kind":"insert","text":"abc"}]}`
	if string(raw) != want {
		t.Fatalf("resync json = %s, want %s", raw, want)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", collab.ErrStaleBase), "STALE_BASE"},
		{fmt.Errorf("%w: read access", access.ErrForbidden), "FORBIDDEN"},
		{fmt.Errorf("%w: append", session.ErrUnavailable), "UNAVAILABLE"},
		{collab.ErrAcquireTimeout, "SEMAPHORE_ACQUIRE_TIMEOUT"},
		{fmt.Errorf("boom"), "INTERNAL"},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Fatalf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
