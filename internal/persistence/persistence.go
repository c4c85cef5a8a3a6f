// Package persistence implements SyncPersistence: a durable checkpoint sink
// for acknowledged states, write-behind and bounded, flushing on close.
package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airbyte/replication-worker/internal/protocol"
)

// closeTimeout bounds how long Close waits for pending writes to flush
// before giving up — per spec.md §4.7, the remaining writes are then
// considered lost but recoverable, because the caller falls back to the
// input state.
const closeTimeout = 30 * time.Second

// Writer is the durable sink a Store flushes coalesced state into — the
// repository-layer contract spec.md §1 carves out as an external
// collaborator ("persistence repositories beyond the SyncPersistence
// checkpoint-writing contract").
type Writer interface {
	WriteState(ctx context.Context, connectionID string, states map[protocol.StreamDescriptor]protocol.StateMessage) error
}

// Store coalesces consecutive Persist calls for the same stream — only the
// latest per stream is durable — and flushes asynchronously. Grounded on
// the bounded, non-blocking-enqueue shape of
// agent/internal/executor.Executor.Enqueue, generalized with a dirty flag
// instead of a work queue since only the latest state per stream ever
// matters.
type Store struct {
	writer Writer
	logger *zap.Logger

	mu      sync.Mutex
	pending map[protocol.StreamDescriptor]protocol.StateMessage
	dirty   bool

	flushSignal chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup

	closeOnce sync.Once
}

// New starts the background flush goroutine. connectionID is stamped on
// every write.
func New(writer Writer, connectionID string, logger *zap.Logger) *Store {
	s := &Store{
		writer:      writer,
		logger:      logger.Named("persistence"),
		pending:     make(map[protocol.StreamDescriptor]protocol.StateMessage),
		flushSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(connectionID)
	return s
}

// Persist coalesces state for its stream and signals the background
// flusher. Non-blocking: the signal channel has capacity 1, so a flush
// already pending absorbs this call's intent without blocking the caller
// (Loop B).
func (s *Store) Persist(connectionID string, msg protocol.StateMessage) {
	s.mu.Lock()
	s.pending[msg.Descriptor()] = msg
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.flushSignal <- struct{}{}:
	default:
	}
}

func (s *Store) run(connectionID string) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.flush(context.Background(), connectionID)
			return
		case <-s.flushSignal:
			s.flush(context.Background(), connectionID)
		}
	}
}

func (s *Store) flush(ctx context.Context, connectionID string) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[protocol.StreamDescriptor]protocol.StateMessage, len(batch))
	s.dirty = false
	s.mu.Unlock()

	if err := s.writer.WriteState(ctx, connectionID, batch); err != nil {
		s.logger.Warn("failed to persist state batch", zap.Error(err), zap.Int("streams", len(batch)))
		// Put the batch back so the next flush retries it, unless something
		// newer has already superseded an entry.
		s.mu.Lock()
		for d, m := range batch {
			if _, exists := s.pending[d]; !exists {
				s.pending[d] = m
			}
		}
		s.dirty = true
		s.mu.Unlock()
	}
}

// Close signals the flusher to drain and blocks until it does or
// closeTimeout elapses, whichever comes first. Per spec.md §4.7 and §9's
// open question, a timed-out close does not error — the remaining writes
// are considered lost but recoverable via the input-state fallback.
func (s *Store) Close(connectionID string) error {
	s.closeOnce.Do(func() { close(s.done) })

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-time.After(closeTimeout):
		s.logger.Warn("persistence close timed out, remaining writes may be lost",
			zap.String("connection_id", connectionID),
		)
		return nil
	}
}
