package pattygo

import (
	"context"
	"log"
	"net"

	"github.com/pkg/errors"

	"github.com/patty-io/pattygo/conn"
	"github.com/patty-io/pattygo/dispatch"
	"github.com/patty-io/pattygo/frame"
	"github.com/patty-io/pattygo/meter"
	"github.com/patty-io/pattygo/pool"
	"github.com/patty-io/pattygo/registry"
	"github.com/patty-io/pattygo/transport"
)

// Client is the façade wiring transport.Connector, registry.Registry,
// pool.Groups, a dispatch shape, and meter.Meter together, the Go
// rendition of PattyCore::ClientServiceBase composed over ServiceBase.
type Client struct {
	handler   Handler
	reg       *registry.Registry
	groups    *pool.Groups
	mtr       *meter.Meter
	disp      receiver
	buffered  *dispatch.Buffered
	connector *transport.Connector

	maxFrameSize  uint32
	highWaterMark int
	bufWorkers    int
	quiet         bool
}

// ClientConfig configures a Client at construction time.
type ClientConfig struct {
	MaxFrameSize  uint32
	HighWaterMark int
	Threads       ThreadCounts
	Shape         DispatchShape
	BufferCap     int
	BufferWorkers int
	Quiet         bool
}

// NewClient builds a Client around handler without connecting it.
func NewClient(handler Handler, cfg ClientConfig) *Client {
	groups := pool.NewGroups(cfg.Threads.SocketIO, cfg.Threads.Control, cfg.Threads.Handler, cfg.Threads.Timer)
	reg := registry.New()
	mtr := meter.New(0, handler.OnTickRate)

	c := &Client{
		handler:       handler,
		reg:           reg,
		groups:        groups,
		mtr:           mtr,
		maxFrameSize:  cfg.MaxFrameSize,
		highWaterMark: cfg.HighWaterMark,
		bufWorkers:    cfg.BufferWorkers,
		quiet:         cfg.Quiet,
	}

	switch cfg.Shape {
	case BufferedDispatch:
		b := dispatch.NewBuffered(handlerAdapter{handler}, mtr, cfg.BufferCap)
		c.buffered = b
		c.disp = b
	default:
		c.disp = dispatch.NewCallback(handlerAdapter{handler}, mtr)
	}

	logf := log.Printf
	if cfg.Quiet {
		logf = func(string, ...any) {}
	}
	c.connector = transport.NewConnector(c.newConn, logf)

	return c
}

// newConn mirrors Server.newConn: register before Start, so a remote
// that closes immediately after the handshake can't unregister an id
// that was never visibly registered yet.
func (c *Client) newConn(nc net.Conn) *conn.Conn {
	id := AssignID()
	cn := conn.New(id, nc, conn.Options{
		MaxFrameSize:  c.maxFrameSize,
		HighWaterMark: c.highWaterMark,
		OnReceive:     c.disp.OnReceive,
		OnClosed:      c.onConnClosed,
	})
	if err := c.reg.Register(cn); err != nil {
		log.Printf("register %d: %v", id, err)
		nc.Close()
		return cn
	}
	if !c.quiet {
		log.Println("registered connection:", id, nc.RemoteAddr())
	}
	c.handler.OnSessionRegistered(cn)
	cn.Start()
	return cn
}

func (c *Client) onConnClosed(cn *conn.Conn, cause error) {
	_ = c.reg.Unregister(cn.ID())
	if cause != nil && !c.quiet {
		log.Printf("connection %d closed: %v", cn.ID(), cause)
	}
	c.handler.OnSessionUnregistered(cn)
}

// Start resolves host and dials nConnects sockets to host:service
// concurrently, then arms the meter and (for the buffered shape) its
// drainer workers — PattyCore::ClientServiceBase::Start's
// resolve-then-ConnectAsync sequence, minus its retry-forever
// behavior (see transport.Connector).
func (c *Client) Start(ctx context.Context, host, service string, nConnects int) ([]*conn.Conn, error) {
	conns, err := c.connector.Connect(ctx, host, service, nConnects)
	if err != nil {
		var resolveErr *transport.ResolveError
		if errors.As(err, &resolveErr) {
			return nil, newError(ResolveFailed, err)
		}
		return nil, newError(ConnectFailed, err)
	}

	c.groups.Timer.Go(func(ctx context.Context) error { return c.mtr.Run(ctx) })
	if c.buffered != nil {
		c.buffered.Start(c.groups.Handler, c.bufWorkers)
	}

	log.Println("client started,", len(conns), "connection(s) to", net.JoinHostPort(host, service))
	return conns, nil
}

// Stop cancels every executor group.
func (c *Client) Stop() {
	c.groups.Stop()
	c.reg.Stop()
}

// Join waits for every executor group to drain after Stop.
func (c *Client) Join() error {
	return c.groups.Join()
}

// Broadcast sends f to every connection this client owns except
// except (0 to except none).
func (c *Client) Broadcast(f *frame.Frame, except uint32) {
	c.reg.Broadcast(f, except)
}

// Connection looks up a currently registered connection by id.
func (c *Client) Connection(id uint32) (*conn.Conn, bool) {
	return c.reg.Get(id)
}

// Connections reports the number of currently registered connections.
func (c *Client) Connections() int {
	return c.reg.Len()
}
