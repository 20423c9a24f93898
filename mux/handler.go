package mux

import (
	"fmt"
	"net"
	"sync"

	"github.com/loopwire/rumux/buf"
	"github.com/loopwire/rumux/event"
	"go.uber.org/zap"
)

// Transport is what the handler writes framed bytes to. It is satisfied by
// the ARQ-UDP adapter (C3). Write reports how many bytes it actually
// accepted: the ARQ-UDP adapter always accepts the whole buffer or fails
// (arq.Engine.Send queues the whole buffer or fails, there is no
// partial-byte-count case there), but §4.5.4 step 1's "on partial write,
// stop and cancel writable edges" path is a real part of the write engine
// for any Transport that can only accept part of a write — pendingWrite
// keeps the unwritten remainder, which is retried first the next time a
// frame is queued. The handler has no separate entry point for a
// "connection writable again" notification.
type Transport interface {
	Write(buf []byte) (n int, err error)
}

// AcceptFunc is the server-role accept predicate invoked from new_stream
// (§4.5.6); returning false rejects the stream: an RST for that id is
// pushed to the front of the write queue and no stream is created. The
// handler itself is not failed and keeps serving its other streams.
type AcceptFunc func(id StreamID) bool

// Handler is the streamed handler state machine (C5): the handshake plus
// stream-multiplexing protocol driving one ARQ-backed connection. Per §5
// all of its state is conceptually owned by one event-loop thread; the
// mutex below exists only to make Stream.Write/Close (which may be called
// from application goroutines) safe to enqueue into the write queue,
// resolving the §9 open question on re-entrancy in the concurrent-Go
// setting rather than the single-thread-only setting the source assumed.
type Handler struct {
	cfg    Config
	role   Role
	framer Framer
	loop   *event.Loop
	fd     int // identifies this connection's virtual registration with loop
	port   int // synthetic stream port (§6): client's own UDP port, or the peer's remote UDP port on the server
	remote net.Addr // the real underlying UDP remote address, used as the non-synthetic side of §6 addressing

	transport Transport
	log       *zap.Logger

	accept    AcceptFunc
	readyCB   func()
	invalidCB func(fd int, err error)
	listener  *Listener // server role only

	mu sync.Mutex

	handshakeState  int // 0,1,2,-1 per §3
	handshakeTimer  event.Timer
	failErr         error
	failed          bool

	pendingWrite []byte
	writeQueue   [][]byte

	// recvBuffer is component C1: bytes already off the wire (via the ARQ
	// adapter) but not yet consumed by the handshake parser or the
	// framer's feed loop. Append on arrival, Skip(n) once a frame parses.
	recvBuffer *buf.Buffer

	fdMap map[StreamID]*Stream

	keepalivePending map[uint64]event.Timer
	nextKeepaliveID  uint64
	keepaliveSuccess int
}

// NewHandler constructs a handler for one ARQ connection. remoteAddr is the
// real underlying UDP remote address (the configured server address for a
// client, the client's observed address for a server); port is the
// synthetic stream port per §6 (the client's own local UDP port, or the
// server's view of the peer's remote UDP port — callers must resolve that
// themselves, e.g. from the first datagram's source address, since the
// handler has no other way to learn it). listener is nil for the client
// role; for the server role it receives newly-established streams (§4.5.8).
func NewHandler(cfg Config, framer Framer, loop *event.Loop, fd, port int, remoteAddr net.Addr, transport Transport, accept AcceptFunc, readyCB func(), invalidCB func(fd int, err error), listener *Listener, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		cfg:              cfg,
		role:             cfg.Role,
		framer:           framer,
		loop:             loop,
		fd:               fd,
		port:             port,
		remote:           remoteAddr,
		transport:        transport,
		log:              log.With(zap.Int("fd", fd), zap.String("role", cfg.Role.String())),
		accept:           accept,
		readyCB:          readyCB,
		invalidCB:        invalidCB,
		listener:         listener,
		recvBuffer:       buf.New(256),
		fdMap:            make(map[StreamID]*Stream),
		keepalivePending: make(map[uint64]event.Timer),
		keepaliveSuccess: cfg.KeepaliveBudget,
	}
}

// Connected begins the handshake. Servers call it once their underlying
// connection exists too, but servers simply wait for readable data since
// they speak second (§4.5.1).
func (h *Handler) Connected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armHandshakeTimerLocked()
	if h.role == RoleClient {
		h.pendingWrite = h.framer.FormatClientHandshake()
		h.pumpWriteQueueLocked()
	}
}

func (h *Handler) armHandshakeTimerLocked() {
	if h.handshakeTimer != nil {
		h.handshakeTimer.Cancel()
	}
	h.handshakeTimer = h.loop.Delay(h.cfg.HandshakeTimeout, func() {
		h.fail(ErrHandshakeTimeout, true)
	})
}

// OnData is called by the adapter (C3) whenever it has decoded bytes off
// the wire. It buffers them and drives the handshake or framer loop.
func (h *Handler) OnData(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recvBuffer.Append(b)
	h.pumpReadSideLocked()
}

func (h *Handler) pumpReadSideLocked() {
	switch h.handshakeState {
	case 0:
		if h.role != RoleServer {
			return
		}
		n := h.framer.ParseClientHandshake(h.recvBuffer.Peek())
		if n == 0 {
			return
		}
		h.recvBuffer.Skip(n)
		h.armHandshakeTimerLocked()
		h.handshakeState = 1
		h.pendingWrite = h.framer.FormatServerHandshake()
		h.pumpWriteQueueLocked()
	case 1:
		if h.role != RoleClient {
			return
		}
		n := h.framer.ParseServerHandshake(h.recvBuffer.Peek())
		if n == 0 {
			return
		}
		h.recvBuffer.Skip(n)
		h.handshakeDoneLocked()
		h.runFramerLoopLocked()
	case 2, -1:
		h.runFramerLoopLocked()
	}
}

// runFramerLoopLocked is §4.5.2: while recv_buffer is non-empty and state
// is established or failed, hand bytes to the role's feed hook.
func (h *Handler) runFramerLoopLocked() {
	for h.recvBuffer.Used() > 0 {
		var n int
		if h.role == RoleClient {
			n = h.framer.ClientFeed(h.recvBuffer.Peek(), h)
		} else {
			n = h.framer.ServerFeed(h.recvBuffer.Peek(), h)
		}
		if n == 0 {
			return
		}
		if n < 0 {
			h.failLocked(fmt.Errorf("rumux: malformed frame"), true)
			return
		}
		h.recvBuffer.Skip(n)
		if h.failed {
			return
		}
	}
}

func (h *Handler) handshakeDoneLocked() {
	if h.handshakeTimer != nil {
		h.handshakeTimer.Cancel()
		h.handshakeTimer = nil
	}
	h.handshakeState = 2
	if h.readyCB != nil {
		h.readyCB()
	}
}

// pumpWriteQueueLocked is the write engine, §4.5.4.
func (h *Handler) pumpWriteQueueLocked() {
	for {
		if h.pendingWrite != nil {
			n, err := h.transport.Write(h.pendingWrite)
			if err != nil {
				h.failLocked(err, true)
				return
			}
			if n < len(h.pendingWrite) {
				// Partial write: keep the remainder and stop; established
				// streams lose their writable edge until it drains.
				h.pendingWrite = h.pendingWrite[n:]
				for _, s := range h.fdMap {
					if s.State() == StateEstablished {
						s.CancelWritable()
					}
				}
				return
			}
			h.pendingWrite = nil
		}

		if h.handshakeState == 0 || h.handshakeState == 1 {
			h.advanceHandshakeWritableLocked()
			return
		}

		if len(h.writeQueue) == 0 {
			h.markEstablishedStreamsWritableLocked()
			return
		}
		h.pendingWrite = h.writeQueue[0]
		h.writeQueue = h.writeQueue[1:]
		h.markEstablishedStreamsWritableLocked()
	}
}

func (h *Handler) advanceHandshakeWritableLocked() {
	if h.pendingWrite != nil {
		return // would-retry path; unreachable with an atomic Transport
	}
	switch h.handshakeState {
	case 0:
		if h.role == RoleClient {
			h.handshakeState = 1
		}
	case 1:
		if h.role == RoleServer {
			h.handshakeDoneLocked()
		}
	}
}

func (h *Handler) markEstablishedStreamsWritableLocked() {
	for _, s := range h.fdMap {
		if s.State() == StateEstablished {
			s.SetWritable()
		}
	}
}

// addMessageToWrite appends msg to the tail of the write queue
// (add_message_to_write, §4.5.4). Empty messages are discarded.
func (h *Handler) addMessageToWrite(msg []byte) {
	if len(msg) == 0 {
		return
	}
	h.writeQueue = append(h.writeQueue, msg)
	h.pumpWriteQueueLocked()
}

// pushMessageToWrite inserts msg at the head of the write queue
// (push_message_to_write, §4.5.4): used only for RST, keepalive replies,
// and error frames.
func (h *Handler) pushMessageToWrite(msg []byte) {
	if len(msg) == 0 {
		return
	}
	h.writeQueue = append([][]byte{msg}, h.writeQueue...)
	h.pumpWriteQueueLocked()
}

// ---- stream lifecycle (§4.5.6, §4.5.9) ----

// localAndRemote builds the synthetic address pair for a newly-created
// stream per §6: the client's local address is the fabricated one (its own
// UDP port as the synthetic port) and its remote is the real UDP remote;
// the server is the reverse, with its synthetic port being the peer's
// observed remote UDP port (passed in as h.port — see NewHandler).
func (h *Handler) localAndRemote(id StreamID) (net.Addr, net.Addr) {
	synthetic := streamAddr(id, h.port)
	if h.role == RoleClient {
		return synthetic, h.remote
	}
	return h.remote, synthetic
}

// Open creates a new client-role stream in state none. The caller must
// follow with SendSyn to actually open it on the wire (§4.5.6). Returns
// ErrHandlerFailed once the handler itself has failed, and
// ErrHandshakeNotDone if the handshake is still in progress.
func (h *Handler) Open() (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failed {
		return nil, ErrHandlerFailed
	}
	if h.handshakeState != 2 {
		return nil, ErrHandshakeNotDone
	}
	id := h.framer.NextStreamID()
	local, remote := h.localAndRemote(id)
	s := newStream(id, h, local, remote)
	h.fdMap[id] = s
	return s, nil
}

// SendSyn enqueues a SYN frame for s and transitions it to syn_sent.
func (h *Handler) SendSyn(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.setState(StateSynSent)
	h.addMessageToWrite(h.framer.FormatSYN(s.id))
}

// newStreamServer is invoked when a SYN arrives for an id with no existing
// stream (server role). It runs the accept predicate and, if accepted,
// establishes the stream and queues a SYN-ACK.
func (h *Handler) newStreamServer(id StreamID) {
	if h.accept != nil && !h.accept(id) {
		// Rejecting one id is a per-stream decision, not a transport
		// failure: RST only that id and leave the rest of the mux alone.
		h.log.Debug("accept callback rejected stream", zap.Uint32("stream", uint32(id)))
		h.pushMessageToWrite(h.framer.FormatRST(id))
		return
	}
	local, remote := h.localAndRemote(id)
	s := newStream(id, h, local, remote)
	s.setState(StateEstablished)
	h.fdMap[id] = s
	h.addMessageToWrite(h.framer.FormatSYNACK(id))
	if h.listener != nil {
		h.listener.push(s)
	}
}

// enqueuePSH is called by Stream.Write.
func (h *Handler) enqueuePSH(id StreamID, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addMessageToWrite(h.framer.FormatPSH(id, payload))
}

// sendFin implements the send_fin transition table from §4.5.9.
func (h *Handler) sendFin(s *Stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch s.State() {
	case StateNone, StateSynSent, StateFinRecv:
		h.addMessageToWrite(h.framer.FormatFIN(s.id))
		delete(h.fdMap, s.id)
		s.setState(StateDead)
		return nil
	case StateEstablished:
		h.addMessageToWrite(h.framer.FormatFIN(s.id))
		s.setState(StateFinSent)
		return nil
	case StateFinSent:
		return nil
	case StateDead:
		return ErrAlreadyClosed
	}
	return nil
}

// sendRst always transitions to dead except when already dead.
func (h *Handler) sendRst(s *Stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.State() == StateDead {
		return ErrAlreadyClosed
	}
	h.pushMessageToWrite(h.framer.FormatRST(s.id))
	delete(h.fdMap, s.id)
	s.setState(StateDead)
	return nil
}

// ---- Callbacks (§4.5.3) ----

func (h *Handler) DataForStream(id StreamID, payload []byte) {
	s, ok := h.fdMap[id]
	if !ok {
		// Non-fatal protocol noise per §7: the peer may still be racing a
		// FIN/RST we already processed locally.
		h.log.Debug("psh for unknown stream dropped", zap.Uint32("stream", uint32(id)))
		return
	}
	s.inputData(payload)
}

func (h *Handler) SynReceived(id StreamID) {
	if h.role == RoleClient {
		s, ok := h.fdMap[id]
		if !ok || s.State() != StateSynSent {
			h.log.Debug("syn-ack for unexpected stream", zap.Uint32("stream", uint32(id)))
			return
		}
		s.setState(StateEstablished)
		s.SetWritable()
		return
	}
	if _, exists := h.fdMap[id]; exists {
		// §8 property 4: at most one SYN per id; repeats are logged and dropped.
		h.log.Debug("duplicate syn for existing stream", zap.Uint32("stream", uint32(id)))
		return
	}
	h.newStreamServer(id)
}

func (h *Handler) FinReceived(id StreamID) {
	s, ok := h.fdMap[id]
	if !ok {
		h.log.Debug("fin for unknown stream", zap.Uint32("stream", uint32(id)))
		return
	}
	if s.State() == StateEstablished {
		s.setState(StateFinRecv)
		s.mu.Lock()
		s.recomputeReadableLocked()
		s.mu.Unlock()
		return
	}
	delete(h.fdMap, id)
	s.setState(StateDead)
}

func (h *Handler) RstReceived(id StreamID) {
	s, ok := h.fdMap[id]
	if !ok {
		h.log.Debug("rst for unknown stream", zap.Uint32("stream", uint32(id)))
		return
	}
	delete(h.fdMap, id)
	s.setRST()
	h.pushMessageToWrite(h.framer.FormatRST(id))
}

func (h *Handler) ErrorReceived(err error) {
	h.failLocked(err, false)
}

func (h *Handler) KeepaliveReceived(kid uint64, isAck bool) {
	if isAck {
		if t, ok := h.keepalivePending[kid]; ok {
			t.Cancel()
			delete(h.keepalivePending, kid)
		}
		if h.keepaliveSuccess < h.cfg.KeepaliveBudget {
			h.keepaliveSuccess++
		}
		return
	}
	h.pushMessageToWrite(h.framer.FormatKeepalive(kid, true))
}

// ---- keepalive probe (§4.5.7) ----

// Probe is driven by an external periodic tick (tens-of-seconds cadence).
// It only probes when the link is idle, per the rationale in §4.5.7.
func (h *Handler) Probe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handshakeState != 2 {
		return
	}
	if h.pendingWrite != nil || len(h.writeQueue) > 0 {
		return
	}
	h.nextKeepaliveID++
	kid := h.nextKeepaliveID
	timer := h.loop.Delay(h.cfg.KeepaliveTimeout, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.keepalivePending, kid)
		h.keepaliveSuccess--
		if h.keepaliveSuccess <= 0 {
			h.failLocked(ErrKeepaliveStarved, true)
		}
	})
	h.keepalivePending[kid] = timer
	h.pushMessageToWrite(h.framer.FormatKeepalive(kid, false))
}

// ---- failure (§4.5.5) ----

// fail is the public, lock-acquiring entry point used by callers outside
// the handler's own locked methods (e.g. the adapter reporting a
// transport-fatal condition).
func (h *Handler) fail(err error, sendRst bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failLocked(err, sendRst)
}

func (h *Handler) failLocked(err error, sendRst bool) {
	if h.failed {
		return // idempotent, §8 property 8
	}
	h.failed = true
	h.failErr = err

	for _, s := range h.fdMap {
		s.setState(StateDead)
	}
	h.fdMap = make(map[StreamID]*Stream)
	h.handshakeState = -1
	if h.handshakeTimer != nil {
		h.handshakeTimer.Cancel()
		h.handshakeTimer = nil
	}
	for kid, t := range h.keepalivePending {
		t.Cancel()
		delete(h.keepalivePending, kid)
	}

	h.log.Warn("handler failed", zap.Error(err), zap.Bool("send_rst", sendRst))

	if sendRst {
		h.pushMessageToWrite(h.framer.FormatError(err))
		h.loop.Delay(h.cfg.FailGrace, func() {
			if h.invalidCB != nil {
				h.invalidCB(h.fd, err)
			}
		})
		return
	}
	if h.invalidCB != nil {
		h.invalidCB(h.fd, err)
	}
}

// Fail is the entry point for the transport (C3) to report a fatal,
// non-protocol condition — a socket error or a malformed datagram the ARQ
// engine rejected. It always pushes an error frame (send_rst=true): unlike
// ErrorReceived, the peer has not already been told anything is wrong.
func (h *Handler) Fail(err error) {
	h.fail(err, true)
}

// Err returns the terminal error once the handler has failed, else nil.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failErr
}

// NumStreams reports the number of live streams, mirroring
// Session.NumStreams in the teacher.
func (h *Handler) NumStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fdMap)
}

