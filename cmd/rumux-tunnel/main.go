package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loopwire/rumux/event"
	"github.com/loopwire/rumux/mux"
	"github.com/loopwire/rumux/rlog"
	"github.com/loopwire/rumux/transport"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

// keepaliveCadence is how often Probe is driven once a handler is
// established; §4.5.7 only pins the per-probe timeout (5000ms), not the
// cadence between probes, so this mirrors the "tens of seconds" guidance
// in the handler's own doc comment.
const keepaliveCadence = 15 * time.Second

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 32*1024)
		return &b
	},
}

func checkError(log *zap.Logger, err error) {
	if err != nil {
		log.Error("fatal", zap.Error(err))
		os.Exit(-1)
	}
}

// pipe copies src into dst until src returns an error (including io.EOF),
// mirroring the corpus's iobridge helper. src must be a conventional
// blocking io.Reader (a real net.Conn) — it is not suitable for a
// mux.Stream, whose Read never blocks (§4.4); use pipeFromStream for that
// direction.
func pipe(dst io.Writer, src io.Reader) error {
	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)
	for {
		n, err := src.Read(*buf)
		if n > 0 {
			if _, werr := dst.Write((*buf)[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// pipeFromStream copies from s into dst until s.Read returns a terminal
// error (EOF or a reset). mux.Stream.Read is intentionally non-blocking
// (§4.4: "returns 0 when no bytes present"), so a plain pipe() loop over it
// would busy-spin; this instead blocks on s.Notify()'s edge-wakeup channel
// between empty reads, the same way bridging code elsewhere in the corpus
// waits on a channel rather than polling.
func pipeFromStream(dst io.Writer, s *mux.Stream) error {
	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)
	for {
		n, err := s.Read(*buf)
		if n > 0 {
			if _, werr := dst.Write((*buf)[:n]); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return err
		}
		<-s.Notify()
	}
}

// bridgeTCPStream aggregates a local TCP connection with a rumux stream,
// mirroring handleClient's two-goroutine shutdown pattern.
func bridgeTCPStream(log *zap.Logger, s *mux.Stream, conn net.Conn) {
	log.Info("bridge start", zap.Uint32("stream", uint32(s.ID())), zap.String("remote", conn.RemoteAddr().String()))
	defer log.Info("bridge end", zap.Uint32("stream", uint32(s.ID())))
	defer conn.Close()
	defer s.Close()

	shutdown := make(chan struct{}, 2)
	go func() {
		err := pipe(s, conn)
		log.Debug("tcp->stream ended", zap.Error(err))
		shutdown <- struct{}{}
	}()
	go func() {
		err := pipeFromStream(conn, s)
		log.Debug("stream->tcp ended", zap.Error(err))
		shutdown <- struct{}{}
	}()
	<-shutdown
}

func runClient(c *cli.Context) error {
	log := rlog.L()

	udpConn, err := net.ListenUDP("udp", nil)
	checkError(log, err)
	remoteAddr, err := net.ResolveUDPAddr("udp", c.String("remote"))
	checkError(log, err)

	loop := event.NewLoop()
	adapter := transport.NewAdapter(udpConn, remoteAddr, uint32(c.Int("conv")), loop, log)

	cfg := mux.DefaultConfig(mux.RoleClient)
	checkError(log, mux.VerifyConfig(cfg))
	framer := mux.NewDefaultFramer()
	ready := make(chan struct{}, 1)
	handler := mux.NewHandler(cfg, framer, loop, 1, udpConn.LocalAddr().(*net.UDPAddr).Port, adapter.RemoteAddr(),
		adapter, nil,
		func() { ready <- struct{}{} },
		func(fd int, err error) { log.Warn("handler failed", zap.Error(err)) },
		nil, log)
	adapter.SetHandler(handler)
	loop.Period(keepaliveCadence, handler.Probe)

	go loop.Run()
	handler.Connected()

	log.Info("waiting for handshake")
	<-ready
	log.Info("handshake complete, accepting local connections", zap.String("listen", c.String("listen")))

	ln, err := net.Listen("tcp", c.String("listen"))
	checkError(log, err)
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Warn("accept failed", zap.Error(err))
			continue
		}
		go func() {
			s, err := handler.Open()
			if err != nil {
				log.Warn("open failed", zap.Error(err))
				conn.Close()
				return
			}
			handler.SendSyn(s)
			bridgeTCPStream(log, s, conn)
		}()
	}
}

func runServer(c *cli.Context) error {
	log := rlog.L()

	udpAddr, err := net.ResolveUDPAddr("udp", c.String("listen"))
	checkError(log, err)
	udpConn, err := net.ListenUDP("udp", udpAddr)
	checkError(log, err)

	log.Info("waiting for a client handshake", zap.String("listen", c.String("listen")))
	raw := make([]byte, 65536)
	n, remote, err := udpConn.ReadFromUDP(raw)
	checkError(log, err)
	first := append([]byte(nil), raw[:n]...)
	log.Info("client connected", zap.String("remote", remote.String()))

	loop := event.NewLoop()
	adapter := transport.NewAdapter(udpConn, remote, uint32(c.Int("conv")), loop, log)

	listener, err := mux.NewListener(1, loop)
	checkError(log, err)

	cfg := mux.DefaultConfig(mux.RoleServer)
	checkError(log, mux.VerifyConfig(cfg))
	framer := mux.NewDefaultFramer()
	accept := func(id mux.StreamID) bool { return true }
	// The synthetic stream port is the peer's (client's) observed remote UDP
	// port, not the server's own bind port (§6: "the server uses the peer's
	// remote UDP port").
	handler := mux.NewHandler(cfg, framer, loop, 1, remote.Port, adapter.RemoteAddr(),
		adapter, accept, nil,
		func(fd int, err error) { log.Warn("handler failed", zap.Error(err)) },
		listener, log)
	adapter.SetHandler(handler)
	loop.Period(keepaliveCadence, handler.Probe)

	go loop.Run()
	adapter.Prime(first)

	target := c.String("target")
	for range listener.Notify() {
		for {
			s, ok := listener.Accept()
			if !ok {
				break
			}
			go func(s *mux.Stream) {
				conn, err := net.Dial("tcp", target)
				if err != nil {
					log.Warn("dial target failed", zap.Error(err))
					s.Close()
					return
				}
				bridgeTCPStream(log, s, conn)
			}(s)
		}
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "rumux-tunnel"
	app.Usage = "reliable-UDP stream-multiplexing tunnel"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "mode", Value: "client", Usage: "client or server"},
		cli.StringFlag{Name: "listen", Value: "127.0.0.1:7890", Usage: "client: local TCP listen addr. server: local UDP listen addr"},
		cli.StringFlag{Name: "remote", Value: "127.0.0.1:7900", Usage: "client only: remote rumux server UDP address"},
		cli.StringFlag{Name: "target", Value: "127.0.0.1:7000", Usage: "server only: TCP address each accepted stream bridges to"},
		cli.IntFlag{Name: "conv", Value: 1, Usage: "ARQ conversation id, must match on both ends"},
		cli.BoolFlag{Name: "debug", Usage: "verbose logging"},
	}
	app.Action = func(c *cli.Context) error {
		if err := rlog.Init(c.Bool("debug")); err != nil {
			return err
		}
		defer rlog.Sync()

		switch c.String("mode") {
		case "client":
			return runClient(c)
		case "server":
			return runServer(c)
		default:
			return fmt.Errorf("unknown mode %q: must be client or server", c.String("mode"))
		}
	}
	app.Run(os.Args)
}
