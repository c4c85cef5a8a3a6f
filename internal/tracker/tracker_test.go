package tracker

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/airbyte/replication-worker/internal/protocol"
)

func recordMsg(stream string) protocol.Message {
	return protocol.Message{
		Type:   protocol.TypeRecord,
		Record: &protocol.RecordMessage{Stream: stream, Data: json.RawMessage(`{"id":1}`)},
	}
}

func stateMsg(stream string, cursor int) protocol.Message {
	return protocol.Message{
		Type: protocol.TypeState,
		State: &protocol.StateMessage{
			Stream: &protocol.StreamDescriptor{Name: stream},
			Data:   json.RawMessage(`{"cursor":` + strconv.Itoa(cursor) + `}`),
		},
	}
}

// globalStateMsg builds a connection-wide (unscoped) checkpoint — every
// global state for a run shares the same (zero-value) stream descriptor, so
// its history is ordered across the whole run rather than per stream.
func globalStateMsg(cursor int) protocol.Message {
	return protocol.Message{
		Type: protocol.TypeState,
		State: &protocol.StateMessage{
			Type: protocol.StateGlobal,
			Data: json.RawMessage(`{"cursor":` + strconv.Itoa(cursor) + `}`),
		},
	}
}

// TestInOrderAcknowledgement mirrors the happy-path reconciliation scenario:
// two source records, a source state, a third record, a second source
// state, acknowledged by the destination in the same order they were
// emitted. recordsCommitted should land on the count observed at the second
// acknowledged checkpoint.
func TestInOrderAcknowledgement(t *testing.T) {
	trk := New(nil)

	trk.AcceptFromSource(recordMsg("orders"))
	trk.AcceptFromSource(recordMsg("orders"))
	trk.AcceptFromSource(stateMsg("orders", 1))
	trk.AcceptFromSource(recordMsg("orders"))
	trk.AcceptFromSource(stateMsg("orders", 2))

	trk.AcceptFromDestination(stateMsg("orders", 1))
	trk.AcceptFromDestination(stateMsg("orders", 2))

	if !trk.ReliableStateTiming() {
		t.Fatal("expected reliable state timing")
	}
	totals := trk.Totals()
	if totals.RecordsCommitted == nil || *totals.RecordsCommitted != 3 {
		t.Fatalf("RecordsCommitted = %v, want a pointer to 3", totals.RecordsCommitted)
	}
	if totals.RecordsEmitted != 3 {
		t.Fatalf("RecordsEmitted = %d, want 3", totals.RecordsEmitted)
	}
}

// TestOutOfOrderAcknowledgementIsUnreliable covers the degraded scenario: two
// global checkpoints are emitted in order A then B, but the destination
// acknowledges B before A. Reconciliation can no longer trust ordering, so
// the whole run's committed count becomes unreliable.
func TestOutOfOrderAcknowledgementIsUnreliable(t *testing.T) {
	trk := New(nil)

	trk.AcceptFromSource(globalStateMsg(1)) // A
	trk.AcceptFromSource(recordMsg("orders"))
	trk.AcceptFromSource(globalStateMsg(2)) // B

	trk.AcceptFromDestination(globalStateMsg(2)) // B acked first: out of order
	trk.AcceptFromDestination(globalStateMsg(1)) // A acked after: no longer the oldest pending entry

	if trk.ReliableStateTiming() {
		t.Fatal("expected unreliable state timing after out-of-order ack")
	}
	totals := trk.Totals()
	if totals.RecordsCommittedReliable {
		t.Fatal("Totals should report RecordsCommittedReliable=false")
	}
	if totals.RecordsCommitted != nil {
		t.Fatalf("RecordsCommitted = %v, want nil once unreliable", totals.RecordsCommitted)
	}
}

func TestUnknownAcknowledgementMarksUnreliable(t *testing.T) {
	trk := New(nil)

	trk.AcceptFromSource(recordMsg("orders"))
	trk.AcceptFromDestination(stateMsg("orders", 99)) // never emitted by the source

	if trk.ReliableStateTiming() {
		t.Fatal("expected unreliable state timing for an unmatched ack")
	}
}

func TestHistoryOverflowMarksUnreliable(t *testing.T) {
	trk := New(nil)

	for i := 0; i < historySize+1; i++ {
		trk.AcceptFromSource(stateMsg("orders", i))
	}

	if trk.ReliableStateTiming() {
		t.Fatal("expected overflow to mark state timing unreliable")
	}
}

func TestPerStreamIndependence(t *testing.T) {
	trk := New(nil)

	trk.AcceptFromSource(recordMsg("a"))
	trk.AcceptFromSource(recordMsg("b"))
	trk.AcceptFromSource(recordMsg("b"))

	per := trk.PerStream()
	if per[protocol.StreamDescriptor{Name: "a"}].RecordsEmitted != 1 {
		t.Fatalf("stream a RecordsEmitted = %d, want 1", per[protocol.StreamDescriptor{Name: "a"}].RecordsEmitted)
	}
	if per[protocol.StreamDescriptor{Name: "b"}].RecordsEmitted != 2 {
		t.Fatalf("stream b RecordsEmitted = %d, want 2", per[protocol.StreamDescriptor{Name: "b"}].RecordsEmitted)
	}
}

func TestTraceFailureRecorded(t *testing.T) {
	trk := New(nil)

	trk.AcceptFromSource(protocol.Message{
		Type: protocol.TypeTrace,
		Trace: &protocol.TraceMessage{
			Type:  protocol.TraceError,
			Error: &protocol.TraceError{Message: "boom"},
		},
	})

	tf := trk.TraceFailure()
	if tf == nil || tf.Message != "boom" {
		t.Fatalf("TraceFailure() = %+v, want message %q", tf, "boom")
	}
}
