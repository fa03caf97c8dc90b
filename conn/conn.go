// Package conn owns a single TCP socket: it drives the read-loop state
// machine and serializes all outbound frames through one
// write-pump goroutine draining a FIFO queue, so at most one write is
// ever in flight per connection.
package conn

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/patty-io/pattygo/frame"
)

// ErrQueueFull is returned by Send when the optional high-water mark
// is configured and exceeded. The reference behavior leaves the queue
// unbounded (high-water mark 0).
var ErrQueueFull = errors.New("conn: send queue full")

// ErrClosed is returned by Send on a connection that already closed.
// It is informational only: Send never blocks and a caller that races
// Close is not a bug, so this is not surfaced as a Kind error.
var ErrClosed = errors.New("conn: already closed")

// OwnedMessage pairs a received Frame with the Conn it arrived on, the
// Go rendition of PattyCore::OwnedMessage<Session>.
type OwnedMessage struct {
	Conn  *Conn
	Frame *frame.Frame
}

// OnReceive is invoked once per frame read off the wire, from the
// read-loop goroutine. Implementations must not block.
type OnReceive func(OwnedMessage)

// OnClosed is invoked exactly once, after the socket is shut down.
// cause is nil for an explicit Close() call, and the triggering I/O
// error otherwise (frame.ErrInvalidFrame included).
type OnClosed func(c *Conn, cause error)

// Options configure a Conn at construction time.
type Options struct {
	MaxFrameSize  uint32 // 0 = frame.DefaultMaxSize
	HighWaterMark int    // 0 = unbounded send queue
	OnReceive     OnReceive
	OnClosed      OnClosed
}

// Conn is a live, identified TCP endpoint.
type Conn struct {
	id         uint32
	nc         net.Conn
	remoteAddr net.Addr

	maxFrameSize  uint32
	highWaterMark int
	onReceive     OnReceive
	onClosed      OnClosed

	mu    sync.Mutex
	queue []*frame.Frame
	wake  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	lastErr   atomic.Value
}

// New constructs a Conn around an already-accepted/connected socket
// and assigns it the given id. The caller supplies the id (the
// registry/lifecycle glue owns id assignment policy, not this
// package). New does not start any goroutine; call Start once the
// connection is safely registered.
func New(id uint32, nc net.Conn, opts Options) *Conn {
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = frame.DefaultMaxSize
	}
	return &Conn{
		id:            id,
		nc:            nc,
		remoteAddr:    nc.RemoteAddr(),
		maxFrameSize:  opts.MaxFrameSize,
		highWaterMark: opts.HighWaterMark,
		onReceive:     opts.OnReceive,
		onClosed:      opts.OnClosed,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the read loop and write pump. Splitting this from New
// lets a caller register the connection (making it visible to
// broadcast and reachable by id) before any close callback can
// possibly fire — otherwise a peer that disconnects the instant it
// connects can race OnClosed/OnSessionUnregistered ahead of the
// caller's own Register call.
func (c *Conn) Start() {
	go c.readLoop()
	go c.writePump()
}

// ID returns the connection's stable id.
func (c *Conn) ID() uint32 { return c.id }

// RemoteAddr returns the endpoint snapshot captured at construction.
func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

// Send enqueues f for transmission and returns immediately; it never
// blocks the caller. Frames submitted from one goroutine are
// transmitted in submission order; frames from different goroutines
// interleave in some order consistent with each Send's return.
func (c *Conn) Send(f *frame.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	if c.highWaterMark > 0 && len(c.queue) >= c.highWaterMark {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close idempotently shuts down the socket and invokes OnClosed
// exactly once. Subsequent calls are no-ops.
func (c *Conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		closeErr = c.nc.Close()
		close(c.done)

		cause, _ := c.lastErr.Load().(error)
		if c.onClosed != nil {
			c.onClosed(c, cause)
		}
	})
	return closeErr
}

func (c *Conn) closeWithCause(err error) {
	if err != nil {
		c.lastErr.Store(err)
	}
	c.Close()
}

// readLoop implements the READING_HEADER/READING_PAYLOAD/CLOSED state
// machine: ReadFrame already performs exactly that two-step
// read, so the loop here is emit-then-repeat until an error closes it.
func (c *Conn) readLoop() {
	for {
		f, err := frame.ReadFrame(c.nc, c.maxFrameSize)
		if err != nil {
			c.closeWithCause(err)
			return
		}
		if c.onReceive != nil {
			c.onReceive(OwnedMessage{Conn: c, Frame: f})
		}
	}
}

// writePump is the connection's single writer: it drains the FIFO
// queue one frame at a time, so at most one write is ever in flight.
// This mutex-guarded queue drained by one goroutine is the Go analogue
// of the source's per-socket strand.
func (c *Conn) writePump() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := f.Encode(c.nc); err != nil {
			c.closeWithCause(errors.WithStack(err))
			return
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}
