package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbyte/replication-worker/internal/protocol"
)

// FileWriter is a Writer backed by one JSON file per connection under a
// state directory — the default checkpoint store for a standalone CLI
// invocation, where there is no external metadata database to write to.
// Grounded on agent/internal/connection/manager.go's saveState: write to a
// temp file in the same directory, then rename, so a crash mid-write never
// leaves a truncated checkpoint file behind.
type FileWriter struct {
	dir string
}

// NewFileWriter returns a FileWriter rooted at dir. The directory is created
// by the first WriteState call, not here.
func NewFileWriter(dir string) *FileWriter {
	return &FileWriter{dir: dir}
}

func (w *FileWriter) path(connectionID string) string {
	return filepath.Join(w.dir, connectionID+".state.json")
}

// WriteState persists the given per-stream states, merged with whatever was
// already on disk for this connection — a partial flush from one stream
// must never erase another stream's last-known checkpoint.
func (w *FileWriter) WriteState(_ context.Context, connectionID string, states map[protocol.StreamDescriptor]protocol.StateMessage) error {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("persistence: creating state dir: %w", err)
	}

	existing, err := w.ReadState(connectionID)
	if err != nil {
		return fmt.Errorf("persistence: reading existing state: %w", err)
	}
	for d, m := range states {
		existing[d] = m
	}

	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("persistence: marshaling state: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, connectionID+".state.*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path(connectionID)); err != nil {
		return fmt.Errorf("persistence: renaming state file: %w", err)
	}
	ok = true
	return nil
}

// ReadState loads whatever checkpoint state was last durably written for
// connectionID. A missing file is not an error — it means no state has ever
// been committed for this connection.
func (w *FileWriter) ReadState(connectionID string) (map[protocol.StreamDescriptor]protocol.StateMessage, error) {
	data, err := os.ReadFile(w.path(connectionID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[protocol.StreamDescriptor]protocol.StateMessage{}, nil
		}
		return nil, fmt.Errorf("persistence: reading state file: %w", err)
	}
	var out map[protocol.StreamDescriptor]protocol.StateMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("persistence: corrupted state file: %w", err)
	}
	return out, nil
}
