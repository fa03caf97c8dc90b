// Package meter implements the tick-rate observability loop: a
// 1-second timer that atomically swaps a counter to zero and reports
// the sample.
package meter

import (
	"context"
	"sync/atomic"
	"time"
)

// OnTickRate is invoked once per tick with the number of events
// counted during the interval that just elapsed.
type OnTickRate func(sample uint32)

// Meter samples an event counter once per second. Count is safe to
// call concurrently from any goroutine (e.g. every dispatched message,
// or every handler-loop iteration).
//
// The core's error taxonomy (errors.go) lists TimerFailed ("log, stop
// rearming"); stdlib time.Ticker has no failure mode to produce it, so
// Meter has no error path here — TimerFailed stays in the Kind enum
// for a pluggable timer source that could fail, but this
// implementation never raises it.
type Meter struct {
	interval time.Duration
	counter  atomic.Uint32
	onTick   OnTickRate
}

// New creates a Meter that reports to onTick every interval. A zero
// interval defaults to 1 second.
func New(interval time.Duration, onTick OnTickRate) *Meter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Meter{interval: interval, onTick: onTick}
}

// Count increments the event counter by one. Callers in the buffered
// dispatch shape call this once per handler-loop iteration; callers in
// the callback shape call it once per dispatched message.
func (m *Meter) Count() {
	m.counter.Add(1)
}

// Run arms the ticker and blocks, invoking onTick once per interval,
// until ctx is canceled. It is meant to be submitted to the timer
// executor group via Group.Go.
func (m *Meter) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sample := m.counter.Swap(0)
			if m.onTick != nil {
				m.onTick(sample)
			}
		}
	}
}
