package pattygo

import (
	"sync/atomic"

	"github.com/patty-io/pattygo/conn"
)

// Handler is the application's set of hooks into the core lifecycle,
// the Go rendition of PattyCore::ServiceBase's protected virtual
// methods (OnSessionRegistered, OnSessionUnregistered,
// HandleReceivedMessage, OnTickRateMeasured). Go has no virtual
// dispatch, so every Server/Client is constructed with a concrete
// Handler value instead of subclassing a base.
type Handler interface {
	// OnSessionRegistered fires once a connection is visible in the
	// registry and may be looked up or broadcast to.
	OnSessionRegistered(c *conn.Conn)
	// OnSessionUnregistered fires once a connection has been removed
	// from the registry, after its socket has closed.
	OnSessionUnregistered(c *conn.Conn)
	// OnMessage fires once per received frame, via whichever dispatch
	// shape (Callback or Buffered) the owning Server/Client was built
	// with.
	OnMessage(m conn.OwnedMessage)
	// OnTickRate fires once per second with the dispatch throughput
	// sample for the interval that just elapsed.
	OnTickRate(sample uint32)
}

// NopHandler implements Handler with no-op bodies. Embed it to
// override only the hooks a particular application cares about,
// instead of implementing all four every time.
type NopHandler struct{}

func (NopHandler) OnSessionRegistered(*conn.Conn)   {}
func (NopHandler) OnSessionUnregistered(*conn.Conn) {}
func (NopHandler) OnMessage(conn.OwnedMessage)      {}
func (NopHandler) OnTickRate(uint32)                {}

var _ Handler = NopHandler{}

// nextID is the package-wide monotonic connection id counter, seeded
// to 10000 to match PattyCore::ServiceBase::AssignId's starting value
// (ids below that are reserved, e.g. Registry.Broadcast's "except 0"
// sentinel for "except none").
var nextID atomic.Uint32

func init() {
	nextID.Store(10000)
}

// AssignID returns the next connection id, a monotonically increasing
// uint32 starting at 10000. Exposed so tests can assert on id
// allocation order without constructing a full Server or Client.
func AssignID() uint32 {
	return nextID.Add(1) - 1
}
