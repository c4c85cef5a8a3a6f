package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct {
	last atomic.Int64 // unix nanos
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.touch()
	return c
}

func (c *fakeClock) touch() { c.last.Store(time.Now().UnixNano()) }

func (c *fakeClock) LastMessageAt() time.Time {
	return time.Unix(0, c.last.Load())
}

func TestRunWithHeartbeatPassThroughWhenDisabled(t *testing.T) {
	c := New(StaticFlags{Gate: false}, "conn-1", newFakeClock(), zap.NewNop(), nil)

	called := false
	err := c.RunWithHeartbeat(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("RunWithHeartbeat() error = %v", err)
	}
	if !called {
		t.Fatal("task was not invoked")
	}
}

func TestRunWithHeartbeatPropagatesTaskError(t *testing.T) {
	c := New(StaticFlags{Gate: false}, "conn-1", newFakeClock(), zap.NewNop(), nil)

	wantErr := errors.New("boom")
	err := c.RunWithHeartbeat(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunWithHeartbeat() error = %v, want %v", err, wantErr)
	}
}

func TestRunWithHeartbeatTimesOutOnSilence(t *testing.T) {
	clock := newFakeClock()
	clock.last.Store(time.Now().Add(-time.Hour).UnixNano()) // already silent

	c := New(StaticFlags{Gate: true, Interval: 10 * time.Millisecond}, "conn-1", clock, zap.NewNop(), nil)

	taskCancelled := make(chan struct{})
	err := c.RunWithHeartbeat(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(taskCancelled)
		return ctx.Err()
	})

	if !IsTimeout(err) {
		t.Fatalf("RunWithHeartbeat() error = %v, want a *TimeoutError", err)
	}
	select {
	case <-taskCancelled:
	default:
		t.Fatal("task's context was never cancelled")
	}
}

func TestRunWithHeartbeatToleratesActiveSource(t *testing.T) {
	clock := newFakeClock()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				clock.touch()
			}
		}
	}()
	defer close(stop)

	c := New(StaticFlags{Gate: true, Interval: 50 * time.Millisecond}, "conn-1", clock, zap.NewNop(), nil)

	err := c.RunWithHeartbeat(context.Background(), func(ctx context.Context) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("RunWithHeartbeat() error = %v, want nil (source stayed active)", err)
	}
}
