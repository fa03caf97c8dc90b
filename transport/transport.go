// Package transport runs the two connection-producing loops the core
// needs: Acceptor drives a listening socket, Connector dials out to a
// remote host. Both hand every resulting net.Conn to the same factory,
// mirroring how server/main.go's loop(lis) and client/main.go's
// waitConn/muxes dial loop both funnel into one per-connection setup
// step, minus kcptun's KCP/smux session negotiation.
package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/patty-io/pattygo/conn"
)

// NewConn turns a freshly accepted or dialed socket into a registered,
// running Conn. Callers typically close over an id counter and a
// registry.Registry.
type NewConn func(nc net.Conn) *conn.Conn

// Logf receives one line per accept/dial failure or successful
// connection, the generalization of a direct log.Println call in an
// accept or dial loop.
type Logf func(format string, args ...any)

// Acceptor repeatedly accepts connections from a net.Listener and
// hands each to newConn.
type Acceptor struct {
	newConn NewConn
	logf    Logf
}

// NewAcceptor builds an Acceptor. log may be nil to discard messages.
func NewAcceptor(newConn NewConn, log Logf) *Acceptor {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Acceptor{newConn: newConn, logf: log}
}

// Serve accepts connections from ln until ctx is canceled or ln is
// closed out from under it, mirroring server/main.go's loop closure:
// a failed accept is logged and the loop continues, exactly as
// kcptun's "else { log.Printf(...) }" branch does, except that an
// accept error observed after ctx is done ends the loop cleanly
// instead of spinning.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			a.logf("accept: %+v", errors.WithStack(err))
			continue
		}
		a.logf("accepted connection: %v", nc.RemoteAddr())
		a.newConn(nc)
	}
}

// lookupFunc resolves a host to the list of addresses a connect
// attempt should try, in order. Connector defaults to
// net.DefaultResolver.LookupHost; tests substitute a fake to exercise
// endpoint fallback and per-connect failure deterministically.
type lookupFunc func(ctx context.Context, host string) ([]string, error)

// dialFunc dials one address. Connector defaults to a real
// net.Dialer's DialContext.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Connector resolves a host and dials out nConnects sockets
// concurrently, the generalization of client/main.go's waitConn /
// per-index muxes dial loop to plain TCP with no retry-forever
// behavior: unlike kcptun's tunnel client this core has no standing
// requirement to keep retrying a dead remote forever, so a connect
// that exhausts every resolved address is logged once and dropped
// rather than retried.
type Connector struct {
	newConn NewConn
	logf    Logf
	lookup  lookupFunc
	dial    dialFunc
}

// NewConnector builds a Connector. log may be nil to discard messages.
func NewConnector(newConn NewConn, log Logf) *Connector {
	if log == nil {
		log = func(string, ...any) {}
	}
	var d net.Dialer
	return &Connector{
		newConn: newConn,
		logf:    log,
		lookup:  net.DefaultResolver.LookupHost,
		dial:    d.DialContext,
	}
}

// ResolveError wraps a host lookup failure from Connect, so callers
// can distinguish it from DialError without string matching.
type ResolveError struct{ Cause error }

func (e *ResolveError) Error() string { return "transport: resolve: " + e.Cause.Error() }
func (e *ResolveError) Unwrap() error { return e.Cause }

// DialError wraps Connect's failure to establish any connection at
// all (every one of nConnects exhausted every resolved address).
type DialError struct{ Cause error }

func (e *DialError) Error() string { return "transport: dial: " + e.Cause.Error() }
func (e *DialError) Unwrap() error { return e.Cause }

// Connect resolves host, then attempts nConnects independent connects
// to host:service concurrently. Each connect tries every resolved
// address in turn and is established as soon as one succeeds — the
// same endpoint-list fallback asio::async_connect performs for
// PattyCore::ClientServiceBase::Start. A connect that exhausts every
// address is logged and dropped; it never cancels or discards the
// other, independent connects still in flight or already
// established — only when every one of them fails does Connect return
// a *DialError, since there is nothing left to hand back.
func (c *Connector) Connect(ctx context.Context, host, service string, nConnects int) ([]*conn.Conn, error) {
	if nConnects <= 0 {
		nConnects = 1
	}

	addrs, err := c.lookup(ctx, host)
	if err != nil {
		return nil, &ResolveError{Cause: errors.WithStack(err)}
	}
	if len(addrs) == 0 {
		return nil, &ResolveError{Cause: errors.Errorf("no addresses resolved for %q", host)}
	}

	var mu sync.Mutex
	conns := make([]*conn.Conn, 0, nConnects)
	var lastErr error

	var wg sync.WaitGroup
	for i := 0; i < nConnects; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cn, err := c.dialOne(ctx, addrs, service)
			if err != nil {
				c.logf("connect: %+v", err)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			conns = append(conns, cn)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(conns) == 0 {
		return nil, &DialError{Cause: lastErr}
	}
	return conns, nil
}

// dialOne tries every address in addrs in turn, returning as soon as
// one succeeds. It only fails once every address has been tried; the
// returned error is already stack-annotated via errors.WithStack.
func (c *Connector) dialOne(ctx context.Context, addrs []string, service string) (*conn.Conn, error) {
	var lastErr error
	for _, host := range addrs {
		addr := net.JoinHostPort(host, service)
		nc, err := c.dial(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		c.logf("connected: %v -> %v", nc.LocalAddr(), nc.RemoteAddr())
		return c.newConn(nc), nil
	}
	return nil, errors.WithStack(lastErr)
}
