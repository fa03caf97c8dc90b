package pattygo

import (
	"context"
	"log"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/patty-io/pattygo/conn"
	"github.com/patty-io/pattygo/dispatch"
	"github.com/patty-io/pattygo/frame"
	"github.com/patty-io/pattygo/meter"
	"github.com/patty-io/pattygo/pool"
	"github.com/patty-io/pattygo/registry"
	"github.com/patty-io/pattygo/transport"
)

// DispatchShape selects which of the two delivery shapes a Server or
// Client uses for every connection it owns.
type DispatchShape int

const (
	// CallbackDispatch invokes Handler.OnMessage directly from each
	// connection's read-loop goroutine.
	CallbackDispatch DispatchShape = iota
	// BufferedDispatch queues received frames onto a shared channel
	// drained by a pool of handler-group goroutines.
	BufferedDispatch
)

// ThreadCounts sizes the four named executor groups. A zero
// count leaves that group unbounded.
type ThreadCounts struct {
	SocketIO int
	Control  int
	Handler  int
	Timer    int
}

// receiver is the minimal surface Server/Client need from either
// dispatch shape.
type receiver interface {
	OnReceive(m conn.OwnedMessage)
}

// Server is the façade wiring transport.Acceptor, registry.Registry,
// pool.Groups, a dispatch shape, and meter.Meter together, the Go
// rendition of PattyCore::ServerServiceBase composed over ServiceBase.
type Server struct {
	handler  Handler
	reg      *registry.Registry
	groups   *pool.Groups
	mtr      *meter.Meter
	disp     receiver
	buffered *dispatch.Buffered
	acceptor *transport.Acceptor

	maxFrameSize  uint32
	highWaterMark int
	bufWorkers    int
	quiet         bool

	lns []net.Listener
}

// ServerConfig configures a Server at construction time. The listen
// port is supplied separately, to Start, so the same config can back
// a server restarted on a different port (e.g. in tests).
type ServerConfig struct {
	MaxFrameSize  uint32
	HighWaterMark int
	Threads       ThreadCounts
	Shape         DispatchShape
	BufferCap     int // Buffered shape's queue capacity; 0 = dispatch package default
	BufferWorkers int // Buffered shape's drainer count; 0 = 1
	Quiet         bool
}

// NewServer builds a Server around handler without starting it.
func NewServer(handler Handler, cfg ServerConfig) *Server {
	groups := pool.NewGroups(cfg.Threads.SocketIO, cfg.Threads.Control, cfg.Threads.Handler, cfg.Threads.Timer)
	reg := registry.New()
	mtr := meter.New(0, handler.OnTickRate)

	s := &Server{
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
		s.buffered = b
		s.disp = b
	default:
		s.disp = dispatch.NewCallback(handlerAdapter{handler}, mtr)
	}

	logf := log.Printf
	if cfg.Quiet {
		logf = func(string, ...any) {}
	}
	s.acceptor = transport.NewAcceptor(s.newConn, logf)

	return s
}

// handlerAdapter satisfies dispatch.MessageHandler by forwarding to a
// Handler's OnMessage hook.
type handlerAdapter struct{ h Handler }

func (a handlerAdapter) OnMessage(m conn.OwnedMessage) { a.h.OnMessage(m) }

// newConn constructs a Conn, registers it, and only then starts its
// read loop and write pump — in that order, so a peer that closes the
// instant it connects can never race the accept path's own Register
// call. Starting the loops any earlier would let a read error reach
// onConnClosed (and unregister) before Register ever ran, permanently
// stranding the id in the registry.
func (s *Server) newConn(nc net.Conn) *conn.Conn {
	id := AssignID()
	c := conn.New(id, nc, conn.Options{
		MaxFrameSize:  s.maxFrameSize,
		HighWaterMark: s.highWaterMark,
		OnReceive:     s.disp.OnReceive,
		OnClosed:      s.onConnClosed,
	})
	if err := s.reg.Register(c); err != nil {
		// AssignID never repeats, so a duplicate id is not expected
		// here; surface it the same way a failed accept is surfaced
		// rather than panicking. c was never
		// started, so close the socket directly instead of going
		// through c.Close() (which would fire OnClosed/unregister for
		// a connection that was never visibly registered).
		log.Printf("register %d: %v", id, err)
		nc.Close()
		return c
	}
	if !s.quiet {
		log.Println("registered connection:", id, nc.RemoteAddr())
	}
	s.handler.OnSessionRegistered(c)
	c.Start()
	return c
}

func (s *Server) onConnClosed(c *conn.Conn, cause error) {
	_ = s.reg.Unregister(c.ID())
	if cause != nil && !s.quiet {
		log.Printf("connection %d closed: %v", c.ID(), cause)
	}
	s.handler.OnSessionUnregistered(c)
}

// Start listens on port, then spins up the meter, the buffered
// dispatch workers (if configured), and the accept loop, each on its
// named executor group — PattyCore::ServerServiceBase::Start's
// Run()+AcceptAsync() sequence, generalized from a single strand-bound
// acceptor to Go's net.Listener.
func (s *Server) Start(ctx context.Context, port int) error {
	return s.StartListen(ctx, net.JoinHostPort("", strconv.Itoa(port)))
}

// StartListen is Start generalized to a kcptun-style listen address:
// "host:port" or "host:minport-maxport", binding one Acceptor per
// port in the range onto the shared socket-io group. Grounded on
// server/main.go's per-port wg.Add(1); go loop(lis) fan-out, rebuilt
// over transport.ParsePortRange/net.Listen instead of a kcp.Listener.
func (s *Server) StartListen(ctx context.Context, addr string) error {
	pr, err := transport.ParsePortRange(addr)
	if err != nil {
		return newError(AcceptFailed, err)
	}

	for _, port := range pr.Ports() {
		ln, err := net.Listen("tcp", net.JoinHostPort(pr.Host, strconv.Itoa(port)))
		if err != nil {
			s.closeListeners()
			return newError(AcceptFailed, err)
		}
		s.lns = append(s.lns, ln)
	}

	s.groups.Timer.Go(func(ctx context.Context) error { return s.mtr.Run(ctx) })
	if s.buffered != nil {
		s.buffered.Start(s.groups.Handler, s.bufWorkers)
	}
	for _, ln := range s.lns {
		ln := ln
		s.groups.SocketIO.Go(func(ctx context.Context) error { return s.acceptor.Serve(ctx, ln) })
		log.Println("server started, listening on", ln.Addr())
	}
	return nil
}

func (s *Server) closeListeners() {
	for _, ln := range s.lns {
		ln.Close()
	}
	s.lns = nil
}

// Stop cancels every executor group and closes every listener.
func (s *Server) Stop() error {
	s.groups.Stop()
	s.reg.Stop()
	var firstErr error
	for _, ln := range s.lns {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithStack(err)
		}
	}
	return firstErr
}

// Join waits for every executor group to drain after Stop.
func (s *Server) Join() error {
	return s.groups.Join()
}

// Broadcast sends f to every registered connection except except (0
// to except none, since real ids start at 10000).
func (s *Server) Broadcast(f *frame.Frame, except uint32) {
	s.reg.Broadcast(f, except)
}

// Connection looks up a currently registered connection by id.
func (s *Server) Connection(id uint32) (*conn.Conn, bool) {
	return s.reg.Get(id)
}

// Connections reports the number of currently registered connections.
func (s *Server) Connections() int {
	return s.reg.Len()
}
