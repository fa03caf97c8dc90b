// Command pingserver is a minimal echo server exercising the pattygo
// core: every received frame is sent back to the connection it
// arrived on. Session registration and unregistration are only
// logged; nothing is broadcast to the other peers.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/patty-io/pattygo"
	"github.com/patty-io/pattygo/conn"
	"github.com/patty-io/pattygo/frame"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

// pingHandler echoes every received frame back to its sender.
type pingHandler struct {
	pattygo.NopHandler

	quiet bool

	mu   sync.Mutex
	seen int
}

func (h *pingHandler) OnSessionRegistered(c *conn.Conn) {
	h.mu.Lock()
	h.seen++
	h.mu.Unlock()
	if !h.quiet {
		log.Println("[SERVER] session registered:", c.ID(), c.RemoteAddr())
	}
}

func (h *pingHandler) OnSessionUnregistered(c *conn.Conn) {
	if !h.quiet {
		log.Println("[SERVER] session unregistered:", c.ID())
	}
}

func (h *pingHandler) OnMessage(m conn.OwnedMessage) {
	if err := m.Conn.Send(&frame.Frame{ID: m.Frame.ID, Payload: m.Frame.Payload}); err != nil {
		log.Printf("[SERVER] echo to %d: %v", m.Conn.ID(), err)
	}
}

func (h *pingHandler) OnTickRate(sample uint32) {
	if !h.quiet {
		log.Println("[SERVER] tick rate:", sample, "messages/s")
	}
}

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "pingserver"
	app.Usage = "pattygo echo server"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "port", Value: 29900, Usage: "TCP listen port"},
		cli.IntFlag{Name: "socket-io-threads", Value: 0, Usage: "socket-io executor group size, 0 = unbounded"},
		cli.IntFlag{Name: "control-threads", Value: 0, Usage: "control executor group size, 0 = unbounded"},
		cli.IntFlag{Name: "handler-threads", Value: 1, Usage: "handler executor group size (buffered dispatch workers)"},
		cli.IntFlag{Name: "timer-threads", Value: 1, Usage: "timer executor group size"},
		cli.IntFlag{Name: "max-frame-size", Value: 1 << 20, Usage: "maximum accepted frame size in bytes"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-connection and tick-rate log lines"},
	}
	app.Action = func(c *cli.Context) error {
		port := c.Int("port")
		maxFrameSize := c.Int("max-frame-size")
		quiet := c.Bool("quiet")

		if maxFrameSize < frame.HeaderSize {
			color.Red("WARNING: max-frame-size %d is smaller than the %d-byte header; every frame will be rejected", maxFrameSize, frame.HeaderSize)
		}

		handler := &pingHandler{quiet: quiet}
		srv := pattygo.NewServer(handler, pattygo.ServerConfig{
			MaxFrameSize: uint32(maxFrameSize),
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

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := srv.Start(ctx, port); err != nil {
			return err
		}

		log.Println("[SERVER] listening on port", port)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Println("[SERVER] shutting down")
		srv.Stop()
		return srv.Join()
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
