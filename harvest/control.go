package harvest

import (
	"context"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 100 * time.Millisecond

// Token is the cooperative cancellation handle passed into long-running calls.
type Token interface {
	Cancelled() bool
	Cancel()
}

// Control carries the stop and pause flags of one run. Flags are written by
// whoever drives the run (HTTP handlers, signal handlers) and read by the
// worker goroutine.
type Control struct {
	stopped atomic.Bool
	paused  atomic.Bool

	// PollInterval is how often WaitWhilePaused re-checks the flags.
	PollInterval time.Duration
}

func NewControl() *Control {
	return &Control{PollInterval: defaultPollInterval}
}

func (c *Control) Cancel()         { c.stopped.Store(true) }
func (c *Control) Cancelled() bool { return c.stopped.Load() }
func (c *Control) Pause()          { c.paused.Store(true) }
func (c *Control) Resume()         { c.paused.Store(false) }
func (c *Control) Paused() bool    { return c.paused.Load() }

// TogglePause flips the pause flag and returns the new state.
func (c *Control) TogglePause() bool {
	for {
		old := c.paused.Load()
		if c.paused.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// WaitWhilePaused blocks while the run is paused. It returns false when the
// run was cancelled or ctx is done, true when the caller may proceed.
func (c *Control) WaitWhilePaused(ctx context.Context) bool {
	if !c.paused.Load() {
		return !c.Cancelled() && ctx.Err() == nil
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for c.paused.Load() && !c.Cancelled() {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return !c.Cancelled() && ctx.Err() == nil
}
