package replication

import (
	"time"

	"github.com/airbyte/replication-worker/internal/metrics"
	"github.com/airbyte/replication-worker/internal/protocol"
	"github.com/airbyte/replication-worker/internal/tracker"
	"github.com/airbyte/replication-worker/internal/validator"
)

// Status is the terminal state of a replication run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// AttemptSummary bundles the run's timing and counters.
type AttemptSummary struct {
	StartedAt  time.Time                                          `json:"startedAt"`
	EndedAt    time.Time                                          `json:"endedAt"`
	Totals     tracker.SyncStats                                  `json:"totals"`
	PerStream  map[protocol.StreamDescriptor]tracker.StreamSyncStats `json:"perStream"`
}

// Output is the engine's terminal artifact (spec.md §3).
type Output struct {
	Status            Status                                               `json:"status"`
	Summary           AttemptSummary                                       `json:"summary"`
	Catalog           protocol.ConfiguredCatalog                           `json:"outputCatalog"`
	State             *protocol.StateMessage                               `json:"state,omitempty"`
	Failures          []FailureReason                                      `json:"failures,omitempty"`
	ValidationResults map[protocol.StreamDescriptor]validator.StreamResult `json:"validationResults,omitempty"`
	HostSnapshot      metrics.HostSnapshot                                 `json:"hostSnapshot"`
}
