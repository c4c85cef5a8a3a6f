// Package tracker implements MessageTracker / SyncStatsTracker: aggregate
// record, byte, and state-checkpoint counters, correlating source-emitted
// state with destination-acknowledged state to compute recordsCommitted.
package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/airbyte/replication-worker/internal/metrics"
	"github.com/airbyte/replication-worker/internal/protocol"
)

// historySize bounds the number of source-emitted state hashes retained per
// stream. Per spec.md §9, the in-memory history is pragmatically bounded;
// overflow is treated as unreliable timing for safety.
const historySize = 1000

// SyncStats are the run-wide totals. RecordsCommitted is nil, not zero, when
// RecordsCommittedReliable is false — spec.md §3/§8 require the JSON output
// to distinguish "reliably zero" from "unknown" rather than emitting a 0
// that could be mistaken for the former.
type SyncStats struct {
	RecordsEmitted                  int64  `json:"recordsEmitted"`
	BytesEmitted                    int64  `json:"bytesEmitted"`
	RecordsCommitted                *int64 `json:"recordsCommitted"`
	RecordsCommittedReliable        bool   `json:"recordsCommittedReliable"`
	SourceStateMessagesEmitted      int64  `json:"sourceStateMessagesEmitted"`
	DestinationStateMessagesEmitted int64  `json:"destinationStateMessagesEmitted"`
}

// StreamSyncStats are the per-stream counters. RecordsCommitted is nil when
// CommittedReliable is false, for the same reason as SyncStats above.
type StreamSyncStats struct {
	RecordsEmitted    int64  `json:"recordsEmitted"`
	BytesEmitted      int64  `json:"bytesEmitted"`
	RecordsCommitted  *int64 `json:"recordsCommitted"`
	CommittedReliable bool   `json:"committedReliable"`
}

// stateEntry records one source-emitted checkpoint: its content hash and
// the running per-stream record count at the moment it was observed.
type stateEntry struct {
	hash          string
	recordsAtMark int64
}

type streamState struct {
	recordsEmitted   int64 // atomic
	bytesEmitted     int64 // atomic
	recordsCommitted int64 // atomic

	mu      sync.Mutex
	history []stateEntry // FIFO ring, oldest first
	overflowed bool
}

// Tracker is safe for concurrent use by Loop A (AcceptFromSource) and Loop B
// (AcceptFromDestination) simultaneously, per spec.md §5's concurrent-map
// requirement — grounded on the sync.RWMutex-guarded map pattern used for
// logStreams in agent/internal/connection/manager.go.
type Tracker struct {
	metrics *metrics.Registry

	mu      sync.RWMutex
	streams map[protocol.StreamDescriptor]*streamState

	sourceStateCount int64 // atomic
	destStateCount   int64 // atomic

	reliableMu sync.Mutex
	reliable   bool

	traceMu      sync.Mutex
	traceFailure *protocol.TraceError
}

// New creates an empty Tracker. metricsReg may be nil to disable metrics
// emission (e.g. in unit tests).
func New(metricsReg *metrics.Registry) *Tracker {
	return &Tracker{
		metrics:  metricsReg,
		streams:  make(map[protocol.StreamDescriptor]*streamState),
		reliable: true,
	}
}

func (t *Tracker) streamFor(d protocol.StreamDescriptor) *streamState {
	t.mu.RLock()
	s, ok := t.streams[d]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[d]; ok {
		return s
	}
	s = &streamState{}
	t.streams[d] = s
	return s
}

// AcceptFromSource records a message observed on Loop A (source → mapper →
// validator → destination). RECORD messages increment emitted counters;
// STATE messages are appended to that stream's history so a later
// destination acknowledgement can be matched against it.
func (t *Tracker) AcceptFromSource(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRecord:
		d := msg.Record.Descriptor()
		s := t.streamFor(d)
		n := atomic.AddInt64(&s.recordsEmitted, 1)
		atomic.AddInt64(&s.bytesEmitted, int64(msg.ByteSize()))
		if t.metrics != nil {
			t.metrics.RecordEmitted(d.String(), msg.ByteSize())
		}
		_ = n

	case protocol.TypeState:
		d := msg.State.Descriptor()
		s := t.streamFor(d)
		atomic.AddInt64(&t.sourceStateCount, 1)

		hash, err := msg.State.Hash()
		if err != nil {
			// An unhashable state can never be matched later; treat the run
			// as having unreliable state timing rather than dropping it
			// silently.
			t.markUnreliable()
			return
		}

		s.mu.Lock()
		mark := atomic.LoadInt64(&s.recordsEmitted)
		if len(s.history) >= historySize {
			s.history = s.history[1:]
			s.overflowed = true
		}
		s.history = append(s.history, stateEntry{hash: hash, recordsAtMark: mark})
		s.mu.Unlock()

		if s.overflowed {
			t.markUnreliable()
		}
		if t.metrics != nil {
			t.metrics.StateMessage("source")
		}

	case protocol.TypeTrace:
		t.recordTrace(msg.Trace)
	}
}

// AcceptFromDestination records a message observed on Loop B. A STATE
// message here is the only thing that advances recordsCommitted (spec.md
// §4.1: "a STATE message is only considered committed when observed on the
// destination's output").
func (t *Tracker) AcceptFromDestination(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeState:
		atomic.AddInt64(&t.destStateCount, 1)
		d := msg.State.Descriptor()
		s := t.streamFor(d)

		hash, err := msg.State.Hash()
		if err != nil {
			t.markUnreliable()
			return
		}

		s.mu.Lock()
		idx := -1
		for i, e := range s.history {
			if e.hash == hash {
				idx = i
				break
			}
		}
		var advanced int64
		ok := idx == 0 // only the oldest pending entry may be acknowledged in order
		if idx >= 0 && ok {
			advanced = s.history[idx].recordsAtMark
			s.history = s.history[idx+1:]
		}
		s.mu.Unlock()

		if idx < 0 || !ok {
			// Never seen, or seen out of order relative to an earlier
			// pending state: reliable state timing is permanently lost for
			// this run (spec.md §4.2, scenario 5).
			t.markUnreliable()
			return
		}

		atomic.StoreInt64(&s.recordsCommitted, advanced)
		if t.metrics != nil {
			t.metrics.StateMessage("destination")
			t.metrics.RecordsCommitted(d.String(), advanced)
		}

	case protocol.TypeTrace:
		t.recordTrace(msg.Trace)
	}
}

func (t *Tracker) markUnreliable() {
	t.reliableMu.Lock()
	t.reliable = false
	t.reliableMu.Unlock()
}

// ReliableStateTiming reports whether every destination-acknowledged state
// observed so far was preceded, in order, by a matching source state.
func (t *Tracker) ReliableStateTiming() bool {
	t.reliableMu.Lock()
	defer t.reliableMu.Unlock()
	return t.reliable
}

func (t *Tracker) recordTrace(tr *protocol.TraceMessage) {
	if tr == nil || tr.Type != protocol.TraceError || tr.Error == nil {
		return
	}
	t.traceMu.Lock()
	t.traceFailure = tr.Error
	t.traceMu.Unlock()
}

// TraceFailure returns the most recently observed error TRACE, or nil.
func (t *Tracker) TraceFailure() *protocol.TraceError {
	t.traceMu.Lock()
	defer t.traceMu.Unlock()
	return t.traceFailure
}

// Totals returns the run-wide aggregate counters. RecordsCommitted is
// reported only when ReliableStateTiming is true, per spec.md §3's
// invariant.
func (t *Tracker) Totals() SyncStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	reliable := t.ReliableStateTiming()

	var out SyncStats
	out.RecordsCommittedReliable = reliable
	out.SourceStateMessagesEmitted = atomic.LoadInt64(&t.sourceStateCount)
	out.DestinationStateMessagesEmitted = atomic.LoadInt64(&t.destStateCount)

	var committed int64
	for _, s := range t.streams {
		out.RecordsEmitted += atomic.LoadInt64(&s.recordsEmitted)
		out.BytesEmitted += atomic.LoadInt64(&s.bytesEmitted)
		if reliable {
			committed += atomic.LoadInt64(&s.recordsCommitted)
		}
	}
	if reliable {
		out.RecordsCommitted = &committed
	}
	return out
}

// PerStream returns a snapshot of every stream's counters.
func (t *Tracker) PerStream() map[protocol.StreamDescriptor]StreamSyncStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	reliable := t.ReliableStateTiming()
	out := make(map[protocol.StreamDescriptor]StreamSyncStats, len(t.streams))
	for d, s := range t.streams {
		entry := StreamSyncStats{
			RecordsEmitted:    atomic.LoadInt64(&s.recordsEmitted),
			BytesEmitted:      atomic.LoadInt64(&s.bytesEmitted),
			CommittedReliable: reliable,
		}
		if reliable {
			committed := atomic.LoadInt64(&s.recordsCommitted)
			entry.RecordsCommitted = &committed
		}
		out[d] = entry
	}
	return out
}
