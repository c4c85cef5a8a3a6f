package protocol

import (
	"encoding/json"
	"testing"
)

func TestNamespaceRewriteAppliesToEveryStream(t *testing.T) {
	catalog := ConfiguredCatalog{
		Streams: []ConfiguredStream{
			{Descriptor: StreamDescriptor{Name: "orders"}},
			{Descriptor: StreamDescriptor{Name: "customers", Namespace: "old"}},
		},
	}

	m := NewMapper([]StreamMapper{NamespaceRewrite{Namespace: "new"}}, nil)
	out := m.MapCatalog(catalog)

	for _, s := range out.Streams {
		if s.Descriptor.Namespace != "new" {
			t.Fatalf("stream %s: Namespace = %q, want new", s.Descriptor.Name, s.Descriptor.Namespace)
		}
	}
	if catalog.Streams[0].Descriptor.Namespace != "" {
		t.Fatal("MapCatalog mutated the input catalog")
	}
}

func TestRecordMapperStagesAppliedInOrder(t *testing.T) {
	upper := RecordMapperFunc(func(msg Message) Message {
		if msg.Record != nil {
			msg.Record.Data = json.RawMessage(`{"stage":"upper"}`)
		}
		return msg
	})
	lower := RecordMapperFunc(func(msg Message) Message {
		if msg.Record != nil {
			msg.Record.Data = json.RawMessage(`{"stage":"lower"}`)
		}
		return msg
	})

	m := NewMapper(nil, []RecordMapper{upper, lower})
	out := m.MapMessage(Message{Type: TypeRecord, Record: &RecordMessage{Data: json.RawMessage(`{}`)}})

	if string(out.Record.Data) != `{"stage":"lower"}` {
		t.Fatalf("final stage did not win: got %s", out.Record.Data)
	}
}
