// Package transport implements component C3: the adapter binding an ARQ
// engine (C2) to a real net.PacketConn, so the handler (C5) sees a plain
// Transport it can Write framed bytes to, without knowing anything about
// UDP, fragmentation or retransmission.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/loopwire/rumux/arq"
	"github.com/loopwire/rumux/event"
	"github.com/loopwire/rumux/mux"
	"go.uber.org/zap"
)

// ErrSendTooLarge mirrors arq.Engine.Send's fragmentation-limit failure.
var ErrSendTooLarge = errors.New("transport: message exceeds maximum fragment count")

// clockTick is the cadence Update must be driven at; the spec's fast3
// profile is tuned around a 10ms interval (NoDelay(true, 10, 2, true)).
const clockTick = 10 * time.Millisecond

// Adapter is the ARQ-UDP binding (§4.3): parse(datagram), write(bytes) and
// clock(now_ms) from the spec correspond to parseDatagram, Write and the
// internal tick loop below.
type Adapter struct {
	engine *arq.Engine
	conn   net.PacketConn
	remote net.Addr
	loop   *event.Loop
	log    *zap.Logger

	epoch time.Time
	tick  event.Timer

	// engMu serializes every call into the engine. In the spec's own
	// single-threaded model this would be unnecessary, but Write is
	// reachable from Stream.Write on an arbitrary application goroutine
	// (mirroring the real concurrent-Go net.Conn surface every caller of
	// this package expects), while clock and parseDatagram always run on
	// the loop goroutine — so the engine needs its own lock regardless of
	// the handler-level one.
	engMu sync.Mutex

	mu      sync.Mutex
	handler *mux.Handler
	closed  bool
}

var _ mux.Transport = (*Adapter)(nil)

// NewAdapter constructs the adapter and immediately starts its background
// datagram reader and the loop-driven clock tick. conv must match the
// value the peer's engine was constructed with. Call SetHandler before any
// datagrams can be meaningfully delivered.
func NewAdapter(conn net.PacketConn, remote net.Addr, conv uint32, loop *event.Loop, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		conn:  conn,
		remote: remote,
		loop:  loop,
		log:   log.With(zap.Uint32("conv", conv)),
		epoch: time.Now(),
	}
	a.engine = arq.New(conv, a.output)
	a.engine.NoDelay(true, 10, 2, true) // fast3, pinned by the spec — do not change

	a.tick = loop.Period(clockTick, a.clock)
	go a.readLoop()
	return a
}

// SetHandler wires the handler that receives reassembled application bytes
// via OnData. Handler and Adapter are constructed in two steps because each
// needs a reference to the other (Handler needs a Transport, Adapter needs
// a place to deliver decoded bytes).
func (a *Adapter) SetHandler(h *mux.Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

func (a *Adapter) nowMs() uint32 {
	return uint32(time.Since(a.epoch).Milliseconds())
}

// Prime feeds a datagram the caller already read directly off the socket
// before constructing this adapter — the server role's only way to learn
// a client's ephemeral remote address is to read one datagram itself, and
// that read races the adapter's own readLoop if done afterward. Call
// SetHandler before Prime.
func (a *Adapter) Prime(datagram []byte) {
	a.loop.Submit(func() { a.parseDatagram(datagram) })
}

// Write implements mux.Transport: it hands buf to the ARQ engine's send
// queue and forces an immediate flush so control and data frames leave
// promptly rather than waiting for the next clock tick, matching fast3's
// low-latency intent.
func (a *Adapter) Write(buf []byte) (int, error) {
	a.engMu.Lock()
	defer a.engMu.Unlock()
	switch a.engine.Send(buf) {
	case 0:
		a.engine.Flush(false)
		return len(buf), nil
	case -2:
		return 0, ErrSendTooLarge
	default:
		return 0, errors.New("transport: send rejected empty buffer")
	}
}

// output is arq.Output: invoked synchronously from Input/Flush/Update —
// on the loop goroutine from parseDatagram and clock, and on the caller's
// goroutine from Write — always with engMu held, so socket writes from
// here never overlap each other.
func (a *Adapter) output(buf []byte) {
	if _, err := a.conn.WriteTo(buf, a.remote); err != nil {
		a.log.Warn("datagram write failed", zap.Error(err))
		a.reportFatal(err)
	}
}

// clock drives Update on the loop's own timer. Like every engine call in
// this adapter it runs under engMu, since Write may call into the engine
// from another goroutine.
func (a *Adapter) clock() {
	a.engMu.Lock()
	a.engine.Update(a.nowMs())
	dead := a.engine.GetState() < 0
	a.engMu.Unlock()
	if dead {
		a.reportFatal(errTooManyRetransmits)
	}
}

var errTooManyRetransmits = errors.New("transport: link declared dead after repeated retransmission failures")

// readLoop blocks on the real socket and hands each datagram to the loop
// goroutine via Submit, so Input/Recv never run concurrently with Update
// or Write.
func (a *Adapter) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := a.conn.ReadFrom(buf)
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			a.loop.Submit(func() { a.reportFatal(err) })
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		a.loop.Submit(func() { a.parseDatagram(datagram) })
	}
}

// parseDatagram is the loop-thread half of reading: feed the engine, then
// drain every reassembled message it now has ready and deliver each to the
// handler in order.
func (a *Adapter) parseDatagram(datagram []byte) {
	a.engMu.Lock()
	bad := a.engine.Input(datagram) < 0
	var messages [][]byte
	if !bad {
		for a.engine.CanRecv() {
			var out []byte
			if a.engine.Recv(&out) < 0 {
				break
			}
			messages = append(messages, out)
		}
	}
	a.engMu.Unlock()

	if bad {
		a.reportFatal(errMalformedDatagram)
		return
	}
	for _, m := range messages {
		a.deliver(m)
	}
}

var errMalformedDatagram = errors.New("transport: malformed or foreign datagram rejected by arq engine")

func (a *Adapter) deliver(b []byte) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return
	}
	h.OnData(b)
}

func (a *Adapter) reportFatal(err error) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h.Fail(err)
	}
}

// RemoteAddr exposes the real underlying UDP remote address this adapter
// writes to, for wiring into mux.NewHandler's synthetic stream addressing
// (§6): the non-synthetic side of a stream's address pair is this value.
func (a *Adapter) RemoteAddr() net.Addr {
	return a.remote
}

// WaitSnd exposes the engine's in-flight/queued segment count, useful for
// a caller deciding whether it is safe to shut down without dropping data.
func (a *Adapter) WaitSnd() int {
	a.engMu.Lock()
	defer a.engMu.Unlock()
	return a.engine.WaitSnd()
}

// Close stops the clock tick and closes the underlying socket, causing
// readLoop to exit on its next ReadFrom error.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	if a.tick != nil {
		a.tick.Cancel()
	}
	return a.conn.Close()
}
