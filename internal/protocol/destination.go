package protocol

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Destination is the engine's view of a destination connector subprocess.
type Destination interface {
	Start(ctx context.Context, cfg LaunchConfig) error
	AttemptRead(ctx context.Context) (Message, bool, error)
	Accept(msg Message) error
	NotifyEndOfInput() error
	IsFinished() bool
	GetExitValue() int
	Cancel() error
}

type processDestination struct {
	logger *zap.Logger
	proc   *process
}

// NewDestination returns a Destination ready to Start.
func NewDestination(logger *zap.Logger) Destination {
	return &processDestination{logger: logger}
}

func (d *processDestination) Start(ctx context.Context, cfg LaunchConfig) error {
	proc, err := startProcess(ctx, "destination", d.logger, cfg.Bin, cfg.Args, cfg.Dir, cfg.Env)
	if err != nil {
		return fmt.Errorf("protocol: destination start: %w", err)
	}
	d.proc = proc
	return nil
}

func (d *processDestination) AttemptRead(ctx context.Context) (Message, bool, error) {
	return d.proc.attemptRead(ctx)
}

func (d *processDestination) Accept(msg Message) error {
	return d.proc.write(msg)
}

func (d *processDestination) NotifyEndOfInput() error {
	return d.proc.closeStdin()
}

func (d *processDestination) IsFinished() bool { return d.proc.isFinished() }

func (d *processDestination) GetExitValue() int { return d.proc.exitValue() }

func (d *processDestination) Cancel() error { return d.proc.cancel() }
