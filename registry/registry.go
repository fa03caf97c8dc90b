// Package registry tracks live connections by id and serializes all
// registration and broadcast traffic through one goroutine, so
// iteration during broadcast always observes a consistent map.
package registry

import (
	"github.com/pkg/errors"

	"github.com/patty-io/pattygo/conn"
	"github.com/patty-io/pattygo/frame"
)

// ErrAlreadyRegistered is returned when Register is called with an id
// already present in the map.
var ErrAlreadyRegistered = errors.New("registry: id already registered")

// ErrNotRegistered is returned when Unregister is called with an id
// absent from the map.
var ErrNotRegistered = errors.New("registry: id not registered")

// command is a closure posted onto the registry's single goroutine,
// the Go rendition of PattyCore::SessionManager's asio strand.
type command func(m map[uint32]*conn.Conn)

// Registry owns the id -> Conn map. All mutation and broadcast
// iteration happens on one goroutine reading from cmds, so registration
// and unregistration linearize with broadcast.
type Registry struct {
	cmds chan command
	done chan struct{}
}

// New starts the registry's serializer goroutine and returns a ready
// Registry. Stop must be called to release the goroutine.
func New() *Registry {
	r := &Registry{
		cmds: make(chan command),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	connections := make(map[uint32]*conn.Conn)
	for {
		select {
		case cmd := <-r.cmds:
			cmd(connections)
		case <-r.done:
			return
		}
	}
}

// Stop releases the serializer goroutine. It does not close any
// tracked connection.
func (r *Registry) Stop() {
	close(r.done)
}

// post runs fn on the registry goroutine and blocks until it has run.
func (r *Registry) post(fn func(map[uint32]*conn.Conn)) {
	reply := make(chan struct{})
	select {
	case r.cmds <- func(m map[uint32]*conn.Conn) {
		fn(m)
		close(reply)
	}:
	case <-r.done:
		return
	}
	select {
	case <-reply:
	case <-r.done:
	}
}

// Register asserts c's id is absent, then adds it. Returns
// ErrAlreadyRegistered if the id is already present.
func (r *Registry) Register(c *conn.Conn) error {
	var err error
	r.post(func(m map[uint32]*conn.Conn) {
		if _, ok := m[c.ID()]; ok {
			err = ErrAlreadyRegistered
			return
		}
		m[c.ID()] = c
	})
	return err
}

// Unregister asserts id is present, then removes it. Returns
// ErrNotRegistered if the id is absent.
func (r *Registry) Unregister(id uint32) error {
	var err error
	r.post(func(m map[uint32]*conn.Conn) {
		if _, ok := m[id]; !ok {
			err = ErrNotRegistered
			return
		}
		delete(m, id)
	})
	return err
}

// Get returns the connection registered under id, if any.
func (r *Registry) Get(id uint32) (*conn.Conn, bool) {
	var result *conn.Conn
	var ok bool
	r.post(func(m map[uint32]*conn.Conn) {
		result, ok = m[id]
	})
	return result, ok
}

// Len returns the number of currently registered connections.
func (r *Registry) Len() int {
	var n int
	r.post(func(m map[uint32]*conn.Conn) {
		n = len(m)
	})
	return n
}

// Broadcast posts f to the registry's serializer and returns
// immediately: it does not wait for any individual Send to complete.
// f is enqueued exactly once on every connection present at the time
// the registry goroutine runs this broadcast, except connection
// except (pass 0 to except none — note 0 is never assigned, ids start
// at 10000).
func (r *Registry) Broadcast(f *frame.Frame, except uint32) {
	select {
	case r.cmds <- func(m map[uint32]*conn.Conn) {
		for id, c := range m {
			if id == except {
				continue
			}
			_ = c.Send(&frame.Frame{ID: f.ID, Payload: f.Payload})
		}
	}:
	case <-r.done:
	}
}
