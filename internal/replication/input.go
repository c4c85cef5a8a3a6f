package replication

import (
	"github.com/airbyte/replication-worker/internal/heartbeat"
	"github.com/airbyte/replication-worker/internal/persistence"
	"github.com/airbyte/replication-worker/internal/protocol"
)

// Input is everything one replication run needs — the in-process analogue
// of the launch configs and flags enumerated in spec.md §6.
type Input struct {
	JobID        string
	Attempt      int
	ConnectionID string

	Source      protocol.LaunchConfig
	Destination protocol.LaunchConfig
	Catalog     protocol.ConfiguredCatalog
	InputState  *protocol.StateMessage

	Mapper *protocol.Mapper // nil is treated as the identity mapper

	FieldSelectionEnabled  bool
	RemoveValidationLimit  bool
	CommitStateAsap        bool
	CommitStatsAsap        bool
	HeartbeatFlags         heartbeat.FlagClient
	PersistenceWriter      persistence.Writer // required when CommitStateAsap is true

	// CloseBeforeSubprocesses makes the open question in spec.md §9
	// explicit and configurable: when true, SyncPersistence is closed
	// before the subprocesses (the ordering under which a source failure
	// can truncate eager-state persistence); when false, the default,
	// persistence is closed last, after subprocess teardown, so every
	// eagerly-persisted state the destination ever acknowledged survives
	// regardless of how the run ended.
	CloseBeforeSubprocesses bool
}

// progressLogInterval is how often Loop A emits a progress log line
// (spec.md §4.1: "every 5000 records").
const progressLogInterval = 5000
