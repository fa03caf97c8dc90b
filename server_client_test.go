package pattygo_test

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patty-io/pattygo"
	"github.com/patty-io/pattygo/conn"
	"github.com/patty-io/pattygo/frame"
)

// echoHandler echoes every received frame back to the connection it
// arrived on and records registration events.
type echoHandler struct {
	pattygo.NopHandler

	mu         sync.Mutex
	registered []uint32
	received   []uint32
}

func (h *echoHandler) OnSessionRegistered(c *conn.Conn) {
	h.mu.Lock()
	h.registered = append(h.registered, c.ID())
	h.mu.Unlock()
}

func (h *echoHandler) OnMessage(m conn.OwnedMessage) {
	h.mu.Lock()
	h.received = append(h.received, m.Frame.ID)
	h.mu.Unlock()
	_ = m.Conn.Send(&frame.Frame{ID: m.Frame.ID, Payload: m.Frame.Payload})
}

func (h *echoHandler) receivedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func (h *echoHandler) registeredIDs() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint32, len(h.registered))
	copy(out, h.registered)
	return out
}

// recordingHandler only records every frame it receives, for the
// client side of the round trip.
type recordingHandler struct {
	pattygo.NopHandler

	mu  sync.Mutex
	ids []uint32
}

func (h *recordingHandler) OnMessage(m conn.OwnedMessage) {
	h.mu.Lock()
	h.ids = append(h.ids, m.Frame.ID)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint32, len(h.ids))
	copy(out, h.ids)
	return out
}

// orderedHandler records registration/unregistration as ordered event
// strings, so a test can assert not just which ids fired but in what
// order relative to one another.
type orderedHandler struct {
	pattygo.NopHandler

	mu     sync.Mutex
	events []string
}

func (h *orderedHandler) OnSessionRegistered(c *conn.Conn) {
	h.mu.Lock()
	h.events = append(h.events, fmt.Sprintf("reg:%d", c.ID()))
	h.mu.Unlock()
}

func (h *orderedHandler) OnSessionUnregistered(c *conn.Conn) {
	h.mu.Lock()
	h.events = append(h.events, fmt.Sprintf("unreg:%d", c.ID()))
	h.mu.Unlock()
}

func (h *orderedHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	copy(out, h.events)
	return out
}

// TestServerRegistersBeforeImmediatelyClosedPeerUnregisters exercises a
// peer that closes its socket the instant it connects. newConn must
// register the connection, and fire OnSessionRegistered, before
// starting the read loop that will observe the peer's close — so the
// two events always land in that order, never reversed or collapsed
// to just the unregister.
func TestServerRegistersBeforeImmediatelyClosedPeerUnregisters(t *testing.T) {
	port := freePort(t)

	handler := &orderedHandler{}
	srv := pattygo.NewServer(handler, pattygo.ServerConfig{Quiet: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, port); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()

	deadline := time.After(2 * time.Second)
	for len(handler.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("got events %v, want 2 events", handler.snapshot())
		case <-time.After(10 * time.Millisecond):
		}
	}

	got := handler.snapshot()
	if len(got) != 2 {
		t.Fatalf("got events %v, want exactly 2", got)
	}
	if !strings.HasPrefix(got[0], "reg:") || !strings.HasPrefix(got[1], "unreg:") {
		t.Fatalf("got events %v, want [reg:*, unreg:*] in that order", got)
	}
	regID := strings.TrimPrefix(got[0], "reg:")
	unregID := strings.TrimPrefix(got[1], "unreg:")
	if regID != unregID {
		t.Fatalf("registered id %s does not match unregistered id %s", regID, unregID)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()
	return port
}

// freePortRange finds n consecutive free ports, retrying a handful of
// times since nothing guarantees the OS hands back adjacent ports.
func freePortRange(t *testing.T, n int) (start int, ok bool) {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		base := freePort(t)
		lns := make([]net.Listener, 0, n)
		failed := false
		for i := 0; i < n; i++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(base+i)))
			if err != nil {
				failed = true
				break
			}
			lns = append(lns, ln)
		}
		for _, ln := range lns {
			ln.Close()
		}
		if !failed {
			return base, true
		}
	}
	return 0, false
}

func TestServerClientEchoRoundTrip(t *testing.T) {
	port := freePort(t)

	srvHandler := &echoHandler{}
	srv := pattygo.NewServer(srvHandler, pattygo.ServerConfig{Quiet: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, port); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	cliHandler := &recordingHandler{}
	cli := pattygo.NewClient(cliHandler, pattygo.ClientConfig{Quiet: true})
	conns, err := cli.Start(ctx, "127.0.0.1", strconv.Itoa(port), 1)
	if err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer cli.Stop()
	if len(conns) != 1 {
		t.Fatalf("got %d conns, want 1", len(conns))
	}

	want := frame.New(42)
	want.Payload = []byte("ping")
	if err := conns[0].Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(cliHandler.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for echo")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := cliHandler.snapshot(); len(got) != 1 || got[0] != 42 {
		t.Fatalf("client received ids %v, want [42]", got)
	}
	if got := srvHandler.receivedCount(); got != 1 {
		t.Fatalf("server received %d messages, want 1", got)
	}
}

func TestServerBroadcastExceptsSender(t *testing.T) {
	port := freePort(t)

	srvHandler := &echoHandler{}
	srv := pattygo.NewServer(srvHandler, pattygo.ServerConfig{Quiet: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, port); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	clientA := &recordingHandler{}
	cliA := pattygo.NewClient(clientA, pattygo.ClientConfig{Quiet: true})
	connsA, err := cliA.Start(ctx, "127.0.0.1", strconv.Itoa(port), 1)
	if err != nil {
		t.Fatalf("client A start: %v", err)
	}
	defer cliA.Stop()
	if len(connsA) != 1 {
		t.Fatalf("client A got %d conns, want 1", len(connsA))
	}

	clientB := &recordingHandler{}
	cliB := pattygo.NewClient(clientB, pattygo.ClientConfig{Quiet: true})
	connsB, err := cliB.Start(ctx, "127.0.0.1", strconv.Itoa(port), 1)
	if err != nil {
		t.Fatalf("client B start: %v", err)
	}
	defer cliB.Stop()
	if len(connsB) != 1 {
		t.Fatalf("client B got %d conns, want 1", len(connsB))
	}

	deadline := time.After(2 * time.Second)
	for srv.Connections() < 2 {
		select {
		case <-deadline:
			t.Fatalf("server saw %d connections, want 2", srv.Connections())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Except one of the two registered server-side ids from the
	// broadcast; whichever client owns it should not receive frame 7.
	ids := srvHandler.registeredIDs()
	if len(ids) == 0 {
		t.Fatal("no connections registered on the server")
	}
	exceptID := ids[0]
	srv.Broadcast(frame.New(7), exceptID)

	deadline = time.After(2 * time.Second)
	for len(clientB.snapshot()) == 0 && len(clientA.snapshot()) == 0 {
		select {
		case <-deadline:
			goto checked
		case <-time.After(10 * time.Millisecond):
		}
	}
checked:
	aGot := len(clientA.snapshot())
	bGot := len(clientB.snapshot())
	if aGot == bGot {
		t.Fatalf("expected exactly one client to receive the broadcast, got A=%d B=%d", aGot, bGot)
	}
}

func TestServerStartListenBindsEveryPortInRange(t *testing.T) {
	base, ok := freePortRange(t, 3)
	if !ok {
		t.Skip("could not find 3 consecutive free ports")
	}

	srvHandler := &echoHandler{}
	srv := pattygo.NewServer(srvHandler, pattygo.ServerConfig{Quiet: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(base)+"-"+strconv.Itoa(base+2))
	if err := srv.StartListen(ctx, addr); err != nil {
		t.Fatalf("start listen on %q: %v", addr, err)
	}
	defer srv.Stop()

	for i := 0; i < 3; i++ {
		port := base + i
		cliHandler := &recordingHandler{}
		cli := pattygo.NewClient(cliHandler, pattygo.ClientConfig{Quiet: true})
		conns, err := cli.Start(ctx, "127.0.0.1", strconv.Itoa(port), 1)
		if err != nil {
			t.Fatalf("connect to port %d: %v", port, err)
		}
		if len(conns) != 1 {
			t.Fatalf("port %d: got %d conns, want 1", port, len(conns))
		}
		cli.Stop()
	}
}
