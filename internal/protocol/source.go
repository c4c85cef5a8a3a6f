package protocol

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LaunchConfig describes how to start a connector subprocess.
type LaunchConfig struct {
	// Bin is the path to the connector executable. In a full deployment this
	// would be a container entrypoint; the engine itself is agnostic to how
	// the binary got there (see spec.md §1 — container orchestration is an
	// external collaborator).
	Bin string
	Args []string
	Dir  string
	Env  []string
}

// Source is the engine's view of a source connector subprocess.
type Source interface {
	Start(ctx context.Context, cfg LaunchConfig) error
	AttemptRead(ctx context.Context) (Message, bool, error)
	IsFinished() bool
	GetExitValue() int
	Cancel() error
	// LastMessageAt is consulted by the heartbeat chaperone.
	LastMessageAt() time.Time
}

// processSource is the subprocess-backed Source implementation. Grounded on
// agent/internal/restic/wrapper.go's runWithProgress: a dedicated goroutine
// drains stdout so the engine's read loop never itself blocks on I/O longer
// than necessary.
type processSource struct {
	logger *zap.Logger
	proc   *process
}

// NewSource returns a Source ready to Start.
func NewSource(logger *zap.Logger) Source {
	return &processSource{logger: logger}
}

func (s *processSource) Start(ctx context.Context, cfg LaunchConfig) error {
	proc, err := startProcess(ctx, "source", s.logger, cfg.Bin, cfg.Args, cfg.Dir, cfg.Env)
	if err != nil {
		return fmt.Errorf("protocol: source start: %w", err)
	}
	s.proc = proc
	return nil
}

func (s *processSource) AttemptRead(ctx context.Context) (Message, bool, error) {
	return s.proc.attemptRead(ctx)
}

func (s *processSource) IsFinished() bool { return s.proc.isFinished() }

func (s *processSource) GetExitValue() int { return s.proc.exitValue() }

func (s *processSource) Cancel() error { return s.proc.cancel() }

func (s *processSource) LastMessageAt() time.Time { return s.proc.lastMessageAt() }
