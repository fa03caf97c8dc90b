// Package pool implements the core's named executor groups: socket-io,
// control, handler, and timer. Each Group is a bounded set
// of goroutines sharing one cancellation point, the generalization of
// a single per-listener `sync.WaitGroup` loop into a reusable, named
// primitive.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Names of the four executor groups the core wires together.
const (
	SocketIO = "socket-io"
	Control  = "control"
	Handler  = "handler"
	Timer    = "timer"
)

// Group is one named cooperative executor. Tasks submitted with Go run
// concurrently up to the group's configured concurrency; Stop cancels
// every pending and future task's context, and Join waits for all
// submitted tasks to return.
type Group struct {
	name string
	eg   *errgroup.Group
	ctx  context.Context
	stop context.CancelFunc
}

// NewGroup creates a named group with the given maximum concurrency.
// size <= 0 means unlimited concurrency (errgroup's default), matching
// a thread pool sized only by demand.
func NewGroup(name string, size int) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	if size > 0 {
		eg.SetLimit(size)
	}
	return &Group{name: name, eg: eg, ctx: ctx, stop: cancel}
}

// Name returns the group's configured name (e.g. "socket-io").
func (g *Group) Name() string { return g.name }

// Context is canceled when Stop is called, or when any task submitted
// with Go returns a non-nil error (errgroup's standard fail-fast
// behavior) — tasks should select on it at every suspension point.
func (g *Group) Context() context.Context { return g.ctx }

// Go submits fn to run on the group. fn should return promptly once
// ctx is canceled.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		return fn(g.ctx)
	})
}

// Stop cancels all pending and future work in the group. It is the
// core's only non-graceful termination path.
func (g *Group) Stop() {
	g.stop()
}

// Join waits for every task submitted with Go to return, and returns
// the first non-nil error any of them produced (errgroup semantics).
// Call Stop first for a bounded wait during shutdown.
func (g *Group) Join() error {
	return g.eg.Wait()
}

// Groups bundles the four named executor groups the core wires
// together: socket-io, control, handler, and timer.
type Groups struct {
	SocketIO *Group
	Control  *Group
	Handler  *Group
	Timer    *Group
}

// NewGroups constructs the four standard groups with the given
// per-group worker counts. A count of 0 leaves that group unlimited.
func NewGroups(socketIO, control, handler, timer int) *Groups {
	return &Groups{
		SocketIO: NewGroup(SocketIO, socketIO),
		Control:  NewGroup(Control, control),
		Handler:  NewGroup(Handler, handler),
		Timer:    NewGroup(Timer, timer),
	}
}

// Stop cancels all four groups.
func (g *Groups) Stop() {
	g.SocketIO.Stop()
	g.Control.Stop()
	g.Handler.Stop()
	g.Timer.Stop()
}

// Join waits for all four groups to drain, returning the first error
// encountered across them (if any).
func (g *Groups) Join() error {
	var firstErr error
	for _, grp := range []*Group{g.SocketIO, g.Control, g.Handler, g.Timer} {
		if err := grp.Join(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
