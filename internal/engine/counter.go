package engine

import "sync/atomic"

// Counter tracks the run's progress for logging, quota accounting and
// termination checks.
type Counter struct {
	inflight   atomic.Int64
	closed     atomic.Int64
	errored    atomic.Int64
	downloaded atomic.Int64
}

func (c *Counter) taskStarted() { c.inflight.Add(1) }

func (c *Counter) taskClosed() {
	c.inflight.Add(-1)
	c.closed.Add(1)
}

func (c *Counter) taskErrored() {
	c.inflight.Add(-1)
	c.errored.Add(1)
}

// taskAbandoned undoes a start without a terminal state; the status row
// stays taken for the reaper.
func (c *Counter) taskAbandoned() { c.inflight.Add(-1) }

func (c *Counter) addDownloaded(n int) { c.downloaded.Add(int64(n)) }

// Inflight is the number of pages currently inside the pipeline.
func (c *Counter) Inflight() int { return int(c.inflight.Load()) }

// Terminal is the number of pages this run moved to closed or error.
func (c *Counter) Terminal() int { return int(c.closed.Load() + c.errored.Load()) }

// Closed counts successful terminations.
func (c *Counter) Closed() int { return int(c.closed.Load()) }

// Errored counts failed terminations.
func (c *Counter) Errored() int { return int(c.errored.Load()) }

// Downloaded is the number of decoded body bytes fetched.
func (c *Counter) Downloaded() int { return int(c.downloaded.Load()) }
