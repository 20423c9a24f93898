package mux

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/loopwire/rumux/event"
)

// StreamID identifies a stream within one handler. Per §3 it is unique
// while the stream exists and may be reused after death.
type StreamID uint32

// State is one point in the monotone state DAG from §3:
// none -> syn_sent -> established -> {fin_sent, fin_recv} -> dead
// (established -> dead directly on RST).
type State int

const (
	StateNone State = iota
	StateSynSent
	StateEstablished
	StateFinSent
	StateFinRecv
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSynSent:
		return "syn_sent"
	case StateEstablished:
		return "established"
	case StateFinSent:
		return "fin_sent"
	case StateFinRecv:
		return "fin_recv"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Stream is a single virtual socket (C4): one bidirectional byte channel
// multiplexed inside a Handler's reliable connection. The handler owns the
// fd map; application code holds a *Stream but any operation that could
// invalidate it goes back through the handler (send_fin, send_rst),
// matching the "stream map ownership" design note.
type Stream struct {
	id     StreamID
	h      *Handler
	local  net.Addr
	remote net.Addr

	mu      sync.Mutex
	state   State
	inbound bytes.Buffer
	rstSeen bool // a reset has been observed but not yet surfaced to Read
	rstDone bool // the reset has already been surfaced once

	readableEdge  bool
	writableEdge  bool

	// ready is a buffered edge-wakeup channel, mirroring Listener.ready: it
	// receives a value whenever readableEdge transitions to true, giving a
	// caller outside the event loop (e.g. cmd/rumux-tunnel's TCP bridge) a
	// way to block between Reads instead of busy-polling a fd that Read
	// itself never blocks on (§4.4).
	ready chan struct{}
}

func newStream(id StreamID, h *Handler, local, remote net.Addr) *Stream {
	return &Stream{id: id, h: h, local: local, remote: remote, state: StateNone, ready: make(chan struct{}, 1)}
}

// ID returns the stream's identifier.
func (s *Stream) ID() StreamID { return s.id }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalAddr and RemoteAddr implement net.Conn's addressing surface: one
// side is the synthetic address fabricated at stream creation, the other
// is the real underlying UDP address, per §6.
func (s *Stream) LocalAddr() net.Addr  { return s.local }
func (s *Stream) RemoteAddr() net.Addr { return s.remote }

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Read copies buffered inbound bytes into dst. It returns (0, nil) when
// nothing is buffered yet, (0, io.EOF) once state is fin_recv (or dead) and
// the buffer has drained, and ErrConnReset exactly once after a RST (then EOF
// on subsequent reads), per §4.4's invariants.
func (s *Stream) Read(dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inbound.Len() > 0 {
		n, _ := s.inbound.Read(dst)
		s.recomputeReadableLocked()
		return n, nil
	}
	if s.rstSeen && !s.rstDone {
		s.rstDone = true
		s.recomputeReadableLocked()
		return 0, ErrConnReset
	}
	if s.rstSeen || s.state == StateFinRecv || s.state == StateDead {
		return 0, io.EOF
	}
	return 0, nil
}

// Write frames exactly len(src) bytes as a PSH via the owning handler.
// Allowed only in syn_sent, established or fin_recv (the peer may still
// read in that state); writing with an empty src is a no-op that reports
// 0 written without framing anything (§4.4 invariant).
func (s *Stream) Write(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateSynSent, StateEstablished, StateFinRecv:
	case StateFinSent:
		return 0, ErrStreamClosed
	case StateDead:
		return 0, ErrWriteOnDeadStream
	default:
		return 0, ErrWriteWrongState
	}

	s.h.enqueuePSH(s.id, src)
	return len(src), nil
}

// Close enqueues a FIN for this stream via the handler (§4.5.9).
func (s *Stream) Close() error {
	return s.h.sendFin(s)
}

// inputData is invoked by the handler's framer callback when a PSH
// arrives for this stream: it appends to inbound and marks readable.
func (s *Stream) inputData(b []byte) {
	s.mu.Lock()
	s.inbound.Write(b)
	s.recomputeReadableLocked()
	s.mu.Unlock()
}

// setRST marks the stream dead with the reset flag observed, per §3/§8
// property 3 (established -> dead on RST).
func (s *Stream) setRST() {
	s.mu.Lock()
	s.state = StateDead
	s.rstSeen = true
	s.recomputeReadableLocked()
	s.mu.Unlock()
}

// recomputeReadableLocked implements the readable-edge invariant from §3:
// readable_edge = true iff inbound is non-empty, OR rst_flag is set (and
// not yet surfaced), OR state=fin_recv with the buffer drained (so the
// caller can observe EOF). Caller must hold s.mu.
func (s *Stream) recomputeReadableLocked() {
	readable := s.inbound.Len() > 0 ||
		(s.rstSeen && !s.rstDone) ||
		(s.state == StateFinRecv && s.inbound.Len() == 0)

	if readable == s.readableEdge {
		return
	}
	s.readableEdge = readable
	if readable {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
	if s.h == nil || s.h.loop == nil {
		return
	}
	if readable {
		s.h.loop.MarkVirtualReady(int(s.id), event.OpRead)
	} else {
		s.h.loop.ClearVirtualReady(int(s.id), event.OpRead)
	}
}

// Notify returns a channel that receives a value whenever the stream
// transitions to readable — new inbound data, a reset, or the drained-EOF
// condition on fin_recv (§3's readable_edge invariant) — mirroring
// Listener.Notify. Read itself stays non-blocking per §4.4; this channel
// is how a caller outside the event loop blocks between Read calls
// instead of polling one.
func (s *Stream) Notify() <-chan struct{} {
	return s.ready
}

// SetWritable marks the stream as having write capacity (the handler does
// this once the write queue has drained, §4.5.4 step 3).
func (s *Stream) SetWritable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writableEdge {
		return
	}
	s.writableEdge = true
	if s.h != nil && s.h.loop != nil {
		s.h.loop.MarkVirtualReady(int(s.id), event.OpWrite)
	}
}

// CancelWritable withdraws write-capacity, e.g. when a pending_write only
// partially drained (§4.5.4 step 1).
func (s *Stream) CancelWritable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writableEdge {
		return
	}
	s.writableEdge = false
	if s.h != nil && s.h.loop != nil {
		s.h.loop.ClearVirtualReady(int(s.id), event.OpWrite)
	}
}
