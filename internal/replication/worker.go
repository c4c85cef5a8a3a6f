// Package replication implements the ReplicationWorker core engine: it
// orchestrates the connector wrappers, mapper, validator, and tracker
// across two concurrent loops and produces a terminal Output.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/airbyte/replication-worker/internal/heartbeat"
	"github.com/airbyte/replication-worker/internal/metrics"
	"github.com/airbyte/replication-worker/internal/persistence"
	"github.com/airbyte/replication-worker/internal/protocol"
	"github.com/airbyte/replication-worker/internal/tracker"
	"github.com/airbyte/replication-worker/internal/validator"
)

// Worker is the ReplicationWorker core engine. Run may be called at most
// once per instance (spec.md §4.1).
type Worker struct {
	logger  *zap.Logger
	metrics *metrics.Registry

	mu        sync.Mutex
	started   bool
	cancelled bool
	cancelFns []func() error
}

// New creates a Worker. metricsReg may be nil to disable metric emission.
func New(logger *zap.Logger, metricsReg *metrics.Registry) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{logger: logger, metrics: metricsReg}
}

// Cancel requests cancellation. It is non-blocking, idempotent, and safe
// from any goroutine (spec.md §4.1, §5).
func (w *Worker) Cancel() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	fns := append([]func() error(nil), w.cancelFns...)
	w.mu.Unlock()

	for _, fn := range fns {
		if err := fn(); err != nil {
			w.logger.Warn("error while cancelling", zap.Error(err))
		}
	}
}

func (w *Worker) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *Worker) onCancel(fn func() error) {
	w.mu.Lock()
	w.cancelFns = append(w.cancelFns, fn)
	w.mu.Unlock()
}

// Run executes one replication sync end to end. It returns normally (with a
// FAILED or CANCELLED Output) for every recognized failure mode; it returns
// a non-nil error only for an unexpected engine-internal fault, wrapped per
// spec.md §7.
func (w *Worker) Run(ctx context.Context, input Input, jobRoot string) (out *Output, runErr error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil, errors.New("replication: Run called more than once on the same Worker")
	}
	w.started = true
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("replication: sync failed: panic: %v", r)
		}
	}()

	started := time.Now()
	logger := w.logger.With(zap.String("job_id", input.JobID), zap.Int("attempt", input.Attempt))

	mapper := input.Mapper
	if mapper == nil {
		mapper = protocol.NewMapper(nil, nil)
	}
	outputCatalog := mapper.MapCatalog(input.Catalog)

	trk := tracker.New(w.metrics)
	val, err := validator.New(input.Catalog, input.RemoveValidationLimit)
	if err != nil {
		return nil, fmt.Errorf("replication: sync failed: building schema validator: %w", err)
	}

	source := protocol.NewSource(logger)
	destination := protocol.NewDestination(logger)

	var persist *persistence.Store
	if input.CommitStateAsap {
		if input.PersistenceWriter == nil {
			return nil, errors.New("replication: sync failed: commitStateAsap requires a PersistenceWriter")
		}
		persist = persistence.New(input.PersistenceWriter, input.ConnectionID, logger)
	}

	closer := newCloser(logger, input.CloseBeforeSubprocesses, persist, input.ConnectionID)

	// --- Start destination, then source (destination first so it is ready
	// to accept the first write). Pushed onto the closer in the reverse of
	// teardown order (source, then destination) since closeAll unwinds the
	// stack LIFO and destination must close before source (spec.md §3). ---
	if err := destination.Start(ctx, input.Destination); err != nil {
		return nil, fmt.Errorf("replication: sync failed: starting destination: %w", err)
	}

	if err := source.Start(ctx, input.Source); err != nil {
		return nil, fmt.Errorf("replication: sync failed: starting source: %w", err)
	}
	closer.push("source", source.Cancel)
	closer.push("destination", destination.Cancel)

	// Tears down on any exit that skips the explicit closeAll below,
	// including a panic recovered by the deferred handler above.
	tornDown := false
	defer func() {
		if !tornDown {
			_ = closer.closeAll()
		}
	}()

	w.onCancel(func() error { return destination.Cancel() })
	w.onCancel(func() error { return source.Cancel() })

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	w.onCancel(func() error { workerCancel(); return nil })

	flags := input.HeartbeatFlags
	if flags == nil {
		flags = heartbeat.StaticFlags{Gate: false}
	}
	chaperone := heartbeat.New(flags, input.ConnectionID, source, logger, w.metrics)

	var (
		sourceLoopErr      error
		destLoopErr        error
		lastDestState      *protocol.StateMessage
	)

	g := &errgroup.Group{}
	g.Go(func() error {
		sourceLoopErr = chaperone.RunWithHeartbeat(workerCtx, func(taskCtx context.Context) error {
			return w.loopA(taskCtx, source, destination, outputCatalog, mapper, val, trk, input.FieldSelectionEnabled, logger)
		})
		if sourceLoopErr != nil {
			logger.Debug("loop A finished with error", zap.Error(sourceLoopErr))
		}
		return sourceLoopErr
	})
	g.Go(func() error {
		destLoopErr = w.loopB(workerCtx, destination, trk, persist, input, logger, &lastDestState)
		if destLoopErr != nil {
			logger.Debug("loop B finished with error", zap.Error(destLoopErr))
		}
		return destLoopErr
	})
	_ = g.Wait() // individual results are read from sourceLoopErr/destLoopErr below

	if heartbeat.IsTimeout(sourceLoopErr) {
		sourceLoopErr = &HeartbeatTimeoutException{Err: sourceLoopErr}
	}

	// --- Teardown: destination, then source; persistence is closed before
	// or after both depending on CloseBeforeSubprocesses. The validator and
	// chaperone hold nothing that needs closing. ---
	tornDown = true
	if teardownErr := closer.closeAll(); teardownErr != nil {
		logger.Warn("error during teardown", zap.Error(teardownErr))
	}

	ended := time.Now()
	if w.metrics != nil {
		w.metrics.ObserveSyncDuration(ended.Sub(started).Seconds())
	}

	status := w.resolveStatus(sourceLoopErr, destLoopErr)

	var failures []FailureReason
	if tf := trk.TraceFailure(); tf != nil {
		failures = append(failures, FailureReason{
			Origin:          OriginSource,
			Type:            TypeSystemError,
			ExternalMessage: tf.Message,
			InternalMessage: tf.InternalMessage,
			StackTrace:      tf.StackTrace,
			TimestampMillis: ended.UnixMilli(),
			Retryable:       true,
		})
	}
	if sourceLoopErr != nil && !w.isCancelled() && !errors.Is(sourceLoopErr, context.Canceled) {
		failures = append(failures, classify(sourceLoopErr, ended.UnixMilli()))
	}
	if destLoopErr != nil && !w.isCancelled() && !errors.Is(destLoopErr, context.Canceled) {
		failures = append(failures, classify(destLoopErr, ended.UnixMilli()))
	}

	result := &Output{
		Status:  status,
		Catalog: outputCatalog,
		Summary: AttemptSummary{
			StartedAt: started,
			EndedAt:   ended,
			Totals:    trk.Totals(),
			PerStream: trk.PerStream(),
		},
		Failures:          failures,
		ValidationResults: val.Results(),
		HostSnapshot:      metrics.CollectHostSnapshot(ctx),
	}

	if !input.CommitStateAsap {
		if lastDestState != nil {
			result.State = lastDestState
		} else {
			result.State = input.InputState
		}
	}

	return result, nil
}

// resolveStatus applies the engine's terminal-status precedence:
// cancelled > failed > completed.
func (w *Worker) resolveStatus(sourceErr, destErr error) Status {
	if w.isCancelled() {
		return StatusCancelled
	}
	if sourceErr != nil || destErr != nil {
		return StatusFailed
	}
	return StatusCompleted
}

// loopA is readSrcWriteDst: read from source, map, validate, count, write
// to destination (spec.md §4.1).
func (w *Worker) loopA(
	ctx context.Context,
	source protocol.Source,
	destination protocol.Destination,
	catalog protocol.ConfiguredCatalog,
	mapper *protocol.Mapper,
	val *validator.Validator,
	trk *tracker.Tracker,
	fieldSelection bool,
	logger *zap.Logger,
) error {
	var recordCount int64

	defer func() {
		// Always signal end-of-input to the destination when the source
		// side of the pipe winds down — normal finish or error alike — so
		// Loop B's peer subprocess is given a chance to drain and exit
		// rather than being left reading forever (spec.md §4.1 design
		// note: loops wind each other down via subprocess closure).
		if err := destination.NotifyEndOfInput(); err != nil {
			logger.Debug("notifying destination of end of input", zap.Error(err))
		}
	}()

	for {
		if w.isCancelled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if source.IsFinished() {
			break
		}

		msg, ok, err := source.AttemptRead(ctx)
		if err != nil {
			if w.isCancelled() || errors.Is(err, context.Canceled) {
				return nil
			}
			return &SourceException{Err: err}
		}
		if !ok {
			continue
		}

		if msg.Type == protocol.TypeRecord && msg.Record != nil {
			d := msg.Record.Descriptor()
			if _, known := catalog.Lookup(d); !known {
				logger.Warn("record for stream not present in catalog", zap.String("stream", d.String()))
			}

			if fieldSelection {
				if cs, known := catalog.Lookup(d); known && cs.SelectedFields != nil {
					msg.Record.Data = selectFields(msg.Record.Data, cs.SelectedFields)
				}
			}

			val.Validate(d, msg.Record.Data)
		}

		msg = mapper.MapMessage(msg)
		trk.AcceptFromSource(msg)

		switch msg.Type {
		case protocol.TypeControl:
			// Only CONNECTOR_CONFIG is semantically meaningful; other
			// control payloads are ignored per spec.md §3.
			if msg.Control != nil && msg.Control.Type == protocol.ControlConnectorConfig {
				logger.Info("source emitted updated connector configuration")
			}

		case protocol.TypeRecord, protocol.TypeState:
			if err := destination.Accept(msg); err != nil {
				if w.isCancelled() {
					return nil
				}
				return &DestinationException{Err: err}
			}
			if msg.Type == protocol.TypeRecord {
				recordCount++
				if recordCount%progressLogInterval == 0 {
					logger.Info("replication progress", zap.Int64("records", recordCount))
				}
			}
		}
	}

	if !w.isCancelled() && source.GetExitValue() != 0 {
		return &SourceException{Err: fmt.Errorf("source exited with code %d", source.GetExitValue())}
	}
	return nil
}

// loopB is readDst: read from the destination, forward to the tracker, and
// — in eager-state mode — persist acknowledged states as they arrive
// (spec.md §4.1).
func (w *Worker) loopB(
	ctx context.Context,
	destination protocol.Destination,
	trk *tracker.Tracker,
	persist *persistence.Store,
	input Input,
	logger *zap.Logger,
	lastState **protocol.StateMessage,
) error {
	for {
		if w.isCancelled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if destination.IsFinished() {
			break
		}

		msg, ok, err := destination.AttemptRead(ctx)
		if err != nil {
			if w.isCancelled() || errors.Is(err, context.Canceled) {
				return nil
			}
			return &DestinationException{Err: err}
		}
		if !ok {
			continue
		}

		trk.AcceptFromDestination(msg)

		switch msg.Type {
		case protocol.TypeState:
			if msg.State != nil {
				*lastState = msg.State
				if input.CommitStateAsap && persist != nil {
					persist.Persist(input.ConnectionID, *msg.State)
				}
			}
		case protocol.TypeControl:
			if msg.Control != nil && msg.Control.Type == protocol.ControlConnectorConfig {
				logger.Info("destination emitted updated connector configuration")
			}
		}
	}

	if !w.isCancelled() && destination.GetExitValue() != 0 {
		return &DestinationException{Err: fmt.Errorf("destination exited with code %d", destination.GetExitValue())}
	}
	return nil
}

// selectFields returns data with only the given top-level keys retained. A
// payload that is not a JSON object is returned unchanged rather than
// failing the sync.
func selectFields(data json.RawMessage, fields []string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return data
	}

	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[f] = struct{}{}
	}

	filtered := make(map[string]json.RawMessage, len(want))
	for k, v := range obj {
		if _, ok := want[k]; ok {
			filtered[k] = v
		}
	}

	out, err := json.Marshal(filtered)
	if err != nil {
		return data
	}
	return out
}

// closer guarantees teardown order: destination -> source, with persistence
// closed before or after both depending on closeBeforeSubprocesses. Built as
// a LIFO stack of named close steps; Run calls closeAll once on its normal
// path and from a deferred call on any other exit, so a panic in Run still
// unwinds every registered resource.
type closer struct {
	logger                  *zap.Logger
	closeBeforeSubprocesses bool
	persist                 *persistence.Store
	connectionID            string
	steps                   []closerStep
}

type closerStep struct {
	name string
	fn   func() error
}

func newCloser(logger *zap.Logger, closeBeforeSubprocesses bool, persist *persistence.Store, connectionID string) *closer {
	return &closer{logger: logger, closeBeforeSubprocesses: closeBeforeSubprocesses, persist: persist, connectionID: connectionID}
}

// push registers a teardown step in construction order; closeAll runs them
// in reverse.
func (c *closer) push(name string, fn func() error) {
	c.steps = append(c.steps, closerStep{name: name, fn: fn})
}

// closeAll runs every registered step in reverse order, combining every
// failure into a single error rather than stopping at the first one — a
// failed destination close must not prevent the source from also being
// torn down.
func (c *closer) closeAll() error {
	var err error

	closePersist := func() {
		if c.persist == nil {
			return
		}
		if cerr := c.persist.Close(c.connectionID); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing persistence: %w", cerr))
		}
	}

	if c.closeBeforeSubprocesses {
		closePersist()
	}

	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		if serr := step.fn(); serr != nil {
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", step.name, serr))
		}
	}

	if !c.closeBeforeSubprocesses {
		closePersist()
	}

	return err
}
