// Package heartbeat implements the HeartbeatTimeoutChaperone: a watchdog
// that fails a long-running task if the source has been silent longer than
// a configured threshold.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/airbyte/replication-worker/internal/metrics"
)

// pollInterval is how often the chaperone checks the source's last-message
// timestamp against the threshold. Short relative to any realistic
// heartbeat threshold (spec.md §5: "typical value is on the order of
// hours"), so the watchdog's own latency never materially delays detection.
const pollInterval = 1 * time.Second

// TimeoutError is raised when the source has not emitted a message for
// longer than the configured threshold.
type TimeoutError struct {
	Threshold time.Duration
	Silence   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("heartbeat: source silent for %s, exceeding threshold %s", e.Silence, e.Threshold)
}

// FlagClient sources the heartbeat feature gate and threshold per
// connection. No feature-flag SDK appears anywhere in the reference corpus
// (see DESIGN.md), so this is a small first-class interface with a static,
// config-driven default implementation rather than a fabricated dependency.
type FlagClient interface {
	Enabled(connectionID string) bool
	Threshold(connectionID string) time.Duration
}

// StaticFlags is a FlagClient backed by fixed, pre-configured values —
// suitable for a CLI invocation where the threshold comes from a flag
// rather than a remote flag service.
type StaticFlags struct {
	Gate      bool
	Interval  time.Duration
}

func (s StaticFlags) Enabled(string) bool              { return s.Gate }
func (s StaticFlags) Threshold(string) time.Duration { return s.Interval }

// SourceClock is the minimal view of the source wrapper the chaperone polls.
type SourceClock interface {
	LastMessageAt() time.Time
}

// Chaperone wraps a task with a watchdog per spec.md §4.6.
type Chaperone struct {
	flags        FlagClient
	connectionID string
	source       SourceClock
	logger       *zap.Logger
	metrics      *metrics.Registry
}

// New creates a Chaperone for one connection/run.
func New(flags FlagClient, connectionID string, source SourceClock, logger *zap.Logger, metricsReg *metrics.Registry) *Chaperone {
	return &Chaperone{
		flags:        flags,
		connectionID: connectionID,
		source:       source,
		logger:       logger.Named("heartbeat"),
		metrics:      metricsReg,
	}
}

// RunWithHeartbeat executes task while concurrently polling the source's
// last-message timestamp. If the gate is off, it is a pass-through. If the
// source goes silent past the threshold, task's context is cancelled,
// RunWithHeartbeat waits for task to return, and it then returns a
// *TimeoutError in place of task's own result. If ctx is cancelled, it
// likewise waits for task and returns ctx.Err().
func (c *Chaperone) RunWithHeartbeat(ctx context.Context, task func(context.Context) error) error {
	if !c.flags.Enabled(c.connectionID) {
		return task(ctx)
	}

	threshold := c.flags.Threshold(c.connectionID)
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskDone := make(chan error, 1)
	go func() { taskDone <- task(taskCtx) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-taskDone:
			return err

		case <-ctx.Done():
			<-taskDone
			return ctx.Err()

		case <-ticker.C:
			silence := time.Since(c.source.LastMessageAt())
			if silence <= threshold {
				continue
			}

			c.logger.Warn("source heartbeat exceeded, cancelling task",
				zap.Duration("threshold", threshold),
				zap.Duration("silence", silence),
			)
			if c.metrics != nil {
				c.metrics.HeartbeatTimeout()
			}
			cancel()
			<-taskDone // drain so task's goroutine doesn't leak
			return &TimeoutError{Threshold: threshold, Silence: silence}
		}
	}
}

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
