// Package config translates CLI flags and environment variables into a
// replication.Input, the way the teacher's cmd/agent/main.go builds its own
// config struct before wiring internal packages together.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/airbyte/replication-worker/internal/heartbeat"
	"github.com/airbyte/replication-worker/internal/persistence"
	"github.com/airbyte/replication-worker/internal/protocol"
	"github.com/airbyte/replication-worker/internal/replication"
)

// SyncInput is the flat, flag-friendly shape of one replication run's
// configuration. Build turns it into a replication.Input once every path
// has been read from disk.
type SyncInput struct {
	JobID        string
	Attempt      int
	ConnectionID string

	SourceBin      string
	SourceArgs     []string
	SourceConfig   string // path to the source connector's JSON config file
	DestinationBin string
	DestinationArgs []string
	DestinationConfig string

	CatalogPath string
	StatePath   string // path to the last-known input state, if any
	JobRoot     string // working directory for both connector subprocesses

	FieldSelectionEnabled bool
	RemoveValidationLimit bool
	CommitStateAsap       bool
	CommitStatsAsap       bool

	HeartbeatEnabled   bool
	HeartbeatThreshold time.Duration

	StateDir string // root for the default file-backed persistence.Writer

	// CloseBeforeSubprocesses resolves spec.md §9's open question; see
	// replication.Input for the full explanation. Defaults to false.
	CloseBeforeSubprocesses bool
}

// Build reads the catalog and optional input-state files and assembles a
// replication.Input ready for Worker.Run. The source/destination config
// files are passed through as launch args rather than parsed here — the
// engine never inspects connector configuration, only the catalog and state
// it already understands natively.
func (c SyncInput) Build() (replication.Input, error) {
	catalog, err := loadCatalog(c.CatalogPath)
	if err != nil {
		return replication.Input{}, fmt.Errorf("config: loading catalog: %w", err)
	}

	var inputState *protocol.StateMessage
	if c.StatePath != "" {
		inputState, err = loadState(c.StatePath)
		if err != nil {
			return replication.Input{}, fmt.Errorf("config: loading input state: %w", err)
		}
	}

	var writer persistence.Writer
	if c.CommitStateAsap {
		if c.StateDir == "" {
			return replication.Input{}, fmt.Errorf("config: commitStateAsap requires a state directory")
		}
		writer = persistence.NewFileWriter(c.StateDir)
	}

	return replication.Input{
		JobID:        c.JobID,
		Attempt:      c.Attempt,
		ConnectionID: c.ConnectionID,

		Source: protocol.LaunchConfig{
			Bin:  c.SourceBin,
			Args: append([]string{"read", "--config", c.SourceConfig, "--catalog", c.CatalogPath}, c.SourceArgs...),
			Dir:  c.JobRoot,
		},
		Destination: protocol.LaunchConfig{
			Bin:  c.DestinationBin,
			Args: append([]string{"write", "--config", c.DestinationConfig, "--catalog", c.CatalogPath}, c.DestinationArgs...),
			Dir:  c.JobRoot,
		},
		Catalog:    catalog,
		InputState: inputState,

		FieldSelectionEnabled: c.FieldSelectionEnabled,
		RemoveValidationLimit: c.RemoveValidationLimit,
		CommitStateAsap:       c.CommitStateAsap,
		CommitStatsAsap:       c.CommitStatsAsap,

		HeartbeatFlags: heartbeat.StaticFlags{
			Gate:     c.HeartbeatEnabled,
			Interval: c.HeartbeatThreshold,
		},
		PersistenceWriter:       writer,
		CloseBeforeSubprocesses: c.CloseBeforeSubprocesses,
	}, nil
}

func loadCatalog(path string) (protocol.ConfiguredCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.ConfiguredCatalog{}, fmt.Errorf("reading catalog file: %w", err)
	}
	var catalog protocol.ConfiguredCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return protocol.ConfiguredCatalog{}, fmt.Errorf("parsing catalog file: %w", err)
	}
	return catalog, nil
}

func loadState(path string) (*protocol.StateMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var state protocol.StateMessage
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return &state, nil
}
