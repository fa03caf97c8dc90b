// Package dispatch moves decoded frames from a Conn's read loop to
// application handlers, in either of two shapes: Callback (direct,
// lowest latency) or Buffered (throttled, counts loop iterations for
// the tick-rate meter).
package dispatch

import (
	"context"

	"github.com/patty-io/pattygo/conn"
	"github.com/patty-io/pattygo/meter"
	"github.com/patty-io/pattygo/pool"
)

// MessageHandler is the minimal capability dispatch needs from the
// application; pattygo.Handler satisfies it structurally.
type MessageHandler interface {
	OnMessage(m conn.OwnedMessage)
}

// Callback delivers every frame directly from the Conn's read-loop
// goroutine. Handlers must be non-blocking.
type Callback struct {
	handler MessageHandler
	meter   *meter.Meter
}

// NewCallback builds the callback dispatch shape. meter may be nil.
func NewCallback(h MessageHandler, mtr *meter.Meter) *Callback {
	return &Callback{handler: h, meter: mtr}
}

// OnReceive is suitable as a conn.OnReceive: it calls the handler
// synchronously and counts one dispatched message for the meter.
func (c *Callback) OnReceive(m conn.OwnedMessage) {
	c.handler.OnMessage(m)
	if c.meter != nil {
		c.meter.Count()
	}
}

// Buffered pushes every received frame onto a shared bounded channel;
// a pool of drainer goroutines invokes the handler in a tight loop,
// counting loop iterations (not messages) for the meter, matching
// PattyCore::ServiceBase's HandleReceivedMessages drain shape.
type Buffered struct {
	handler MessageHandler
	meter   *meter.Meter
	queue   chan conn.OwnedMessage
}

// NewBuffered builds the buffered dispatch shape with the given queue
// capacity. meter may be nil.
func NewBuffered(h MessageHandler, mtr *meter.Meter, capacity int) *Buffered {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Buffered{handler: h, meter: mtr, queue: make(chan conn.OwnedMessage, capacity)}
}

// OnReceive is suitable as a conn.OnReceive: it pushes onto the shared
// queue without blocking the read loop for longer than a channel send
// against the configured capacity.
func (b *Buffered) OnReceive(m conn.OwnedMessage) {
	b.queue <- m
}

// Serve runs one drainer loop until ctx is canceled. Spawn nWorkers
// copies of this (via a pool.Group) to parallelize handling.
//
// Each round blocks for the first available message, then drains
// whatever else is immediately queued, dispatching every one of them,
// and counts exactly one event for the meter per round: this shape
// counts handler-loop iterations, not messages
// (PattyCore::ServiceBase::HandleReceivedMessages increments its
// tick-rate counter once per drain round, however many messages that
// round contained).
func (b *Buffered) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.queue:
			b.handler.OnMessage(m)
		drain:
			for {
				select {
				case m := <-b.queue:
					b.handler.OnMessage(m)
				default:
					break drain
				}
			}
			if b.meter != nil {
				b.meter.Count()
			}
		}
	}
}

// Start submits nWorkers drainer loops onto g.
func (b *Buffered) Start(g *pool.Group, nWorkers int) {
	if nWorkers <= 0 {
		nWorkers = 1
	}
	for i := 0; i < nWorkers; i++ {
		g.Go(b.Serve)
	}
}
