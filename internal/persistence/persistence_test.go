package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/airbyte/replication-worker/internal/protocol"
)

// fakeWriter merges every batch it receives into last, the way FileWriter
// merges into what is already on disk, since the Store may split a burst of
// Persist calls across several background flushes.
type fakeWriter struct {
	mu    sync.Mutex
	calls int
	last  map[protocol.StreamDescriptor]protocol.StateMessage
}

func (w *fakeWriter) WriteState(_ context.Context, _ string, states map[protocol.StreamDescriptor]protocol.StateMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.last == nil {
		w.last = make(map[protocol.StreamDescriptor]protocol.StateMessage)
	}
	for d, m := range states {
		w.last[d] = m
	}
	return nil
}

func (w *fakeWriter) snapshot() (int, map[protocol.StreamDescriptor]protocol.StateMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls, w.last
}

func streamState(stream string, cursor string) protocol.StateMessage {
	d := protocol.StreamDescriptor{Name: stream}
	return protocol.StateMessage{Stream: &d, Data: []byte(`{"cursor":"` + cursor + `"}`)}
}

func TestPersistCoalescesPerStream(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, "conn-1", zap.NewNop())

	s.Persist("conn-1", streamState("orders", "1"))
	s.Persist("conn-1", streamState("orders", "2"))
	s.Persist("conn-1", streamState("customers", "1"))

	if err := s.Close("conn-1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, last := w.snapshot()
	orders := last[protocol.StreamDescriptor{Name: "orders"}]
	if string(orders.Data) != `{"cursor":"2"}` {
		t.Fatalf("orders state = %s, want the latest coalesced value", orders.Data)
	}
	if _, ok := last[protocol.StreamDescriptor{Name: "customers"}]; !ok {
		t.Fatal("expected customers stream to also be flushed")
	}
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, "conn-1", zap.NewNop())

	s.Persist("conn-1", streamState("orders", "1"))
	if err := s.Close("conn-1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	calls, _ := w.snapshot()
	if calls == 0 {
		t.Fatal("expected at least one WriteState call by Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, "conn-1", zap.NewNop())

	s.Persist("conn-1", streamState("orders", "1"))
	if err := s.Close("conn-1"); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close("conn-1"); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestCloseWithNoPendingWritesDoesNotCallWriter(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, "conn-1", zap.NewNop())

	if err := s.Close("conn-1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	calls, _ := w.snapshot()
	if calls != 0 {
		t.Fatalf("WriteState called %d times, want 0 with nothing persisted", calls)
	}
}

func TestPersistAfterCloseDoesNotPanic(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, "conn-1", zap.NewNop())
	_ = s.Close("conn-1")

	done := make(chan struct{})
	go func() {
		s.Persist("conn-1", streamState("orders", "1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Persist after Close blocked")
	}
}
