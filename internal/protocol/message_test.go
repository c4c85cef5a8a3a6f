package protocol

import (
	"encoding/json"
	"testing"
)

func TestStateHashIsKeyOrderIndependent(t *testing.T) {
	a := StateMessage{Data: json.RawMessage(`{"cursor":1,"table":"orders"}`)}
	b := StateMessage{Data: json.RawMessage(`{"table":"orders","cursor":1}`)}

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("a.Hash() error = %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("b.Hash() error = %v", err)
	}
	if ha != hb {
		t.Fatalf("hashes differ for semantically identical states: %s != %s", ha, hb)
	}
}

func TestStateHashDistinguishesContent(t *testing.T) {
	a := StateMessage{Data: json.RawMessage(`{"cursor":1}`)}
	b := StateMessage{Data: json.RawMessage(`{"cursor":2}`)}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha == hb {
		t.Fatal("distinct state payloads hashed to the same value")
	}
}

func TestStreamDescriptorTextRoundTrip(t *testing.T) {
	cases := []StreamDescriptor{
		{Name: "orders"},
		{Name: "orders", Namespace: "public"},
	}
	for _, d := range cases {
		text, err := d.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var got StreamDescriptor
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText() error = %v", err)
		}
		if got != d {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
		}
	}
}

func TestStreamDescriptorAsMapKeyMarshalsToString(t *testing.T) {
	m := map[StreamDescriptor]int{
		{Name: "orders", Namespace: "public"}: 3,
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("json.Marshal(map) error = %v", err)
	}
	want := `{"public.orders":3}`
	if string(data) != want {
		t.Fatalf("marshaled map = %s, want %s", data, want)
	}
}

func TestMessageDecodesTaggedUnion(t *testing.T) {
	line := `{"type":"RECORD","record":{"stream":"orders","data":{"id":1}}}`
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Type != TypeRecord {
		t.Fatalf("Type = %v, want RECORD", msg.Type)
	}
	if msg.Record == nil || msg.Record.Stream != "orders" {
		t.Fatalf("Record = %+v, want stream orders", msg.Record)
	}
	if msg.State != nil || msg.Control != nil {
		t.Fatal("non-RECORD fields should remain nil")
	}
}

func TestMessageByteSize(t *testing.T) {
	msg := Message{Type: TypeRecord, Record: &RecordMessage{Data: json.RawMessage(`{"a":1}`)}}
	if msg.ByteSize() != len(`{"a":1}`) {
		t.Fatalf("ByteSize() = %d, want %d", msg.ByteSize(), len(`{"a":1}`))
	}
	if (Message{}).ByteSize() != 0 {
		t.Fatal("ByteSize() of a non-record message should be 0")
	}
}
