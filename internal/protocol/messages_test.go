package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_FindMatch(t *testing.T) {
	data := []byte(`{"type":"find_match","interest":"tech","mode":"text","gender":"male","looking_for":"female"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindMatch {
		t.Errorf("expected type %q, got %q", TypeFindMatch, msgType)
	}

	m, ok := msg.(FindMatchMsg)
	if !ok {
		t.Fatalf("expected FindMatchMsg, got %T", msg)
	}
	if m.Interest != "tech" || m.Mode != "text" {
		t.Errorf("unexpected fields: %+v", m)
	}
	if m.Gender != GenderMale || m.LookingFor != GenderFemale {
		t.Errorf("unexpected gender fields: %+v", m)
	}
}

func TestParseClientMessage_SignalKeepsRawPayload(t *testing.T) {
	data := []byte(`{"type":"signal","room_id":"r1","data":{"sdp":"v=0...","kind":"offer"}}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSignal {
		t.Errorf("expected type %q, got %q", TypeSignal, msgType)
	}

	m, ok := msg.(SignalMsg)
	if !ok {
		t.Fatalf("expected SignalMsg, got %T", msg)
	}

	// The signaling body must survive verbatim; the server never parses it.
	var inner map[string]interface{}
	if err := json.Unmarshal(m.Data, &inner); err != nil {
		t.Fatalf("signal data not preserved: %v", err)
	}
	if inner["kind"] != "offer" {
		t.Errorf("expected kind=offer, got %v", inner["kind"])
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	data := []byte(`{"type":"launch_missiles"}`)

	if _, _, err := ParseClientMessage(data); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestParseClientMessage_ServerOnlyTypeRejected(t *testing.T) {
	data := []byte(`{"type":"match_found","room_id":"r1"}`)

	if _, _, err := ParseClientMessage(data); err == nil {
		t.Fatal("expected error for server-only message type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	for _, data := range [][]byte{
		[]byte(`{}`),
		[]byte(`{"interest":"tech"}`),
		[]byte(`not json at all`),
		[]byte(``),
	} {
		if _, _, err := ParseClientMessage(data); err == nil {
			t.Errorf("expected error for payload %q", data)
		}
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMatchFound, MatchFoundMsg{
		RoomID:    "r1",
		Role:      "caller",
		PartnerID: "p1",
		Interest:  "tech",
		Mode:      ModeText,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if m["type"] != TypeMatchFound {
		t.Errorf("expected type=%q, got %v", TypeMatchFound, m["type"])
	}
	if m["room_id"] != "r1" || m["role"] != "caller" {
		t.Errorf("unexpected payload: %v", m)
	}
}

func TestNewServerMessage_TypeFieldWinsOverPayload(t *testing.T) {
	// A payload struct carrying a stale Type field must not leak through.
	data, err := NewServerMessage(TypePong, PongMsg{Type: "bogus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if m["type"] != TypePong {
		t.Errorf("expected type=%q, got %v", TypePong, m["type"])
	}
}
