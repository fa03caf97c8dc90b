// Command pingclient dials pattygo's echo server and round-trips a
// ping frame on every connection, timing the echo the way the
// original Client::Service measured its EchoTimer.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/urfave/cli"

	"github.com/patty-io/pattygo"
	"github.com/patty-io/pattygo/conn"
	"github.com/patty-io/pattygo/frame"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

const pingMessageID = 1

// pingHandler sends a ping immediately on registration and again every
// time the previous ping's echo comes back, timing the round trip.
type pingHandler struct {
	pattygo.NopHandler

	quiet bool

	mu     sync.Mutex
	starts map[uint32]time.Time
}

func newPingHandler(quiet bool) *pingHandler {
	return &pingHandler{quiet: quiet, starts: make(map[uint32]time.Time)}
}

func (h *pingHandler) OnSessionRegistered(c *conn.Conn) {
	h.ping(c)
}

func (h *pingHandler) OnSessionUnregistered(c *conn.Conn) {
	h.mu.Lock()
	delete(h.starts, c.ID())
	h.mu.Unlock()
}

func (h *pingHandler) OnMessage(m conn.OwnedMessage) {
	if m.Frame.ID != pingMessageID {
		return
	}

	h.mu.Lock()
	start, ok := h.starts[m.Conn.ID()]
	h.mu.Unlock()
	if ok && !h.quiet {
		log.Printf("[%d] echo: %s", m.Conn.ID(), time.Since(start))
	}

	h.ping(m.Conn)
}

func (h *pingHandler) ping(c *conn.Conn) {
	h.mu.Lock()
	h.starts[c.ID()] = time.Now()
	h.mu.Unlock()

	f := frame.New(pingMessageID)
	if err := c.Send(f); err != nil {
		log.Printf("[%d] ping: %v", c.ID(), err)
	}
}

func (h *pingHandler) OnTickRate(sample uint32) {
	if !h.quiet {
		log.Println("[CLIENT] tick rate:", sample, "messages/s")
	}
}

// promptNConnects asks on stdin when --n-connects is left at 0, the
// Go rendition of the original Client::Main.cpp's
// "Enter the number of connects: " prompt.
func promptNConnects() int {
	fmt.Print("Enter the number of connects: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return 1
	}
	n, err := strconv.Atoi(trimNewline(line))
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "pingclient"
	app.Usage = "pattygo ping client"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "server host"},
		cli.StringFlag{Name: "service", Value: "29900", Usage: "server port or service name"},
		cli.IntFlag{Name: "n-connects", Value: 0, Usage: "number of connections to establish, 0 to prompt on stdin"},
		cli.IntFlag{Name: "socket-io-threads", Value: 0, Usage: "socket-io executor group size, 0 = unbounded"},
		cli.IntFlag{Name: "control-threads", Value: 0, Usage: "control executor group size, 0 = unbounded"},
		cli.IntFlag{Name: "handler-threads", Value: 1, Usage: "handler executor group size (buffered dispatch workers)"},
		cli.IntFlag{Name: "timer-threads", Value: 1, Usage: "timer executor group size"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-echo and tick-rate log lines"},
	}
	app.Action = func(c *cli.Context) error {
		nConnects := c.Int("n-connects")
		if nConnects <= 0 {
			nConnects = promptNConnects()
		}
		quiet := c.Bool("quiet")

		handler := newPingHandler(quiet)
		client := pattygo.NewClient(handler, pattygo.ClientConfig{
			Threads: pattygo.ThreadCounts{
				SocketIO: c.Int("socket-io-threads"),
				Control:  c.Int("control-threads"),
				Handler:  c.Int("handler-threads"),
				Timer:    c.Int("timer-threads"),
			},
			Shape:         pattygo.BufferedDispatch,
			BufferWorkers: c.Int("handler-threads"),
			Quiet:         quiet,
		})

		ctx := context.Background()
		conns, err := client.Start(ctx, c.String("host"), c.String("service"), nConnects)
		if err != nil {
			return err
		}
		log.Println("[CLIENT] connected", len(conns), "session(s)")

		return client.Join()
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
