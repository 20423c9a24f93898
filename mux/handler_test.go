package mux

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loopwire/rumux/event"
)

// recordingTransport is a Transport stub that swallows every write (no peer
// ever sees it), recording each one for inspection. It never errors, so it
// is also suitable as the "link stays up but never replies" fixture for the
// handshake-timeout and keepalive-starvation tests below.
type recordingTransport struct {
	mu     sync.Mutex
	writes [][]byte
}

func (r *recordingTransport) Write(b []byte) (int, error) {
	r.mu.Lock()
	r.writes = append(r.writes, append([]byte(nil), b...))
	r.mu.Unlock()
	return len(b), nil
}

func (r *recordingTransport) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.writes))
	copy(out, r.writes)
	return out
}

// handlerRef is a Transport that hands written bytes to another handler's
// OnData via that handler's own loop, decoupling the call stack the way a
// real adapter's readLoop->Submit path does — calling OnData synchronously
// from inside the writer's own pumpWriteQueueLocked would re-enter the same
// handler's mutex during the handshake's reply-to-reply chain.
type handlerRef struct {
	h *Handler
}

func (r *handlerRef) Write(b []byte) (int, error) {
	buf := append([]byte(nil), b...)
	r.h.loop.Submit(func() { r.h.OnData(buf) })
	return len(buf), nil
}

func newPair(t *testing.T) (client, server *Handler, listener *Listener, clientReady chan struct{}) {
	t.Helper()
	clientLoop := event.NewLoop()
	serverLoop := event.NewLoop()
	go clientLoop.Run()
	go serverLoop.Run()
	t.Cleanup(clientLoop.Stop)
	t.Cleanup(serverLoop.Stop)

	var err error
	listener, err = NewListener(1, serverLoop)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	clientRef := &handlerRef{}
	serverRef := &handlerRef{}
	clientReady = make(chan struct{}, 1)

	serverRealAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9001}
	clientRealAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}

	client = NewHandler(DefaultConfig(RoleClient), NewDefaultFramer(), clientLoop, 1, 9000, serverRealAddr, clientRef, nil,
		func() { clientReady <- struct{}{} },
		func(fd int, err error) { t.Logf("client handler failed: %v", err) },
		nil, nil)
	server = NewHandler(DefaultConfig(RoleServer), NewDefaultFramer(), serverLoop, 1, 9000, clientRealAddr, serverRef,
		func(StreamID) bool { return true }, nil,
		func(fd int, err error) { t.Logf("server handler failed: %v", err) },
		listener, nil)

	clientRef.h = server
	serverRef.h = client
	return client, server, listener, clientReady
}

func waitOrFatal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func readWithTimeout(t *testing.T, s *Stream, n int) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	out := make([]byte, 0, n)
	buf := make([]byte, 256)
	for len(out) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out reading %d bytes, got %d", n, len(out))
		}
		k, err := s.Read(buf)
		if k > 0 {
			out = append(out, buf[:k]...)
			continue
		}
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

func TestHandshakeCompletes(t *testing.T) {
	client, server, _, clientReady := newPair(t)
	client.Connected()
	server.Connected()

	waitOrFatal(t, clientReady, "client handshake completion")
	if client.NumStreams() != 0 || server.NumStreams() != 0 {
		t.Fatalf("expected no streams yet")
	}
}

func TestStreamOpenSynAckAndDataRoundTrip(t *testing.T) {
	client, server, listener, clientReady := newPair(t)
	client.Connected()
	server.Connected()
	waitOrFatal(t, clientReady, "client handshake completion")

	s, err := client.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client.SendSyn(s)

	waitOrFatal(t, listener.Notify(), "server accept notification")
	accepted, ok := listener.Accept()
	if !ok {
		t.Fatalf("Accept returned false after Notify fired")
	}
	if accepted.ID() != s.ID() {
		t.Fatalf("accepted id %d != opened id %d", accepted.ID(), s.ID())
	}

	payload := []byte("hello rumux")
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := readWithTimeout(t, accepted, len(payload))
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	reply := []byte("ack")
	if _, err := accepted.Write(reply); err != nil {
		t.Fatalf("reply Write: %v", err)
	}
	gotReply := readWithTimeout(t, s, len(reply))
	if string(gotReply) != string(reply) {
		t.Fatalf("got reply %q, want %q", gotReply, reply)
	}
}

func TestStreamCloseDeliversFIN(t *testing.T) {
	client, server, listener, clientReady := newPair(t)
	client.Connected()
	server.Connected()
	waitOrFatal(t, clientReady, "client handshake completion")

	s, err := client.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client.SendSyn(s)
	waitOrFatal(t, listener.Notify(), "server accept notification")
	accepted, ok := listener.Accept()
	if !ok {
		t.Fatalf("Accept returned false")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if accepted.State() == StateFinRecv {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer never observed FIN, state=%v", accepted.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, err := accepted.Read(make([]byte, 8)); n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected (0, io.EOF) after FIN with empty buffer, got (%d, %v)", n, err)
	}
}

func TestAcceptRejectionOnlyRSTsThatStream(t *testing.T) {
	clientLoop := event.NewLoop()
	serverLoop := event.NewLoop()
	go clientLoop.Run()
	go serverLoop.Run()
	t.Cleanup(clientLoop.Stop)
	t.Cleanup(serverLoop.Stop)

	listener, err := NewListener(2, serverLoop)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	clientRef := &handlerRef{}
	serverRef := &handlerRef{}
	clientReady := make(chan struct{}, 1)

	serverRealAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9101}
	clientRealAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9100}

	client := NewHandler(DefaultConfig(RoleClient), NewDefaultFramer(), clientLoop, 2, 9100, serverRealAddr, clientRef, nil,
		func() { clientReady <- struct{}{} }, func(fd int, err error) {}, nil, nil)
	server := NewHandler(DefaultConfig(RoleServer), NewDefaultFramer(), serverLoop, 2, 9100, clientRealAddr, serverRef,
		func(StreamID) bool { return false }, nil, func(fd int, err error) {}, listener, nil)

	clientRef.h = server
	serverRef.h = client

	client.Connected()
	server.Connected()
	waitOrFatal(t, clientReady, "client handshake completion")

	s, err := client.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client.SendSyn(s)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s.State() == StateDead {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rejected stream never reset, state=%v", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if server.NumStreams() != 0 {
		t.Fatalf("server should have 0 streams after rejecting the only SYN")
	}
	// The handler itself must still be alive: a second Open/SendSyn on the
	// same connection must still be possible.
	if _, err := client.Open(); err != nil {
		t.Fatalf("handler failed after a single stream rejection: %v", err)
	}
}

// TestRstRoundTripResetsBothSides covers §8 S3: one side's RST tears down
// its own stream immediately and the peer observes the same stream dead,
// with ErrConnReset surfaced from Read exactly once.
func TestRstRoundTripResetsBothSides(t *testing.T) {
	client, server, listener, clientReady := newPair(t)
	client.Connected()
	server.Connected()
	waitOrFatal(t, clientReady, "client handshake completion")

	s, err := client.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client.SendSyn(s)
	waitOrFatal(t, listener.Notify(), "server accept notification")
	accepted, ok := listener.Accept()
	if !ok {
		t.Fatalf("Accept returned false")
	}

	if err := server.sendRst(accepted); err != nil {
		t.Fatalf("sendRst: %v", err)
	}
	if accepted.State() != StateDead {
		t.Fatalf("expected accepted stream dead immediately, got %v", accepted.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateDead {
		if time.Now().After(deadline) {
			t.Fatalf("client never observed RST, state=%v", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	n, err := s.Read(make([]byte, 8))
	if n != 0 || !errors.Is(err, ErrConnReset) {
		t.Fatalf("expected (0, ErrConnReset) on first read after RST, got (%d, %v)", n, err)
	}
	n, err = s.Read(make([]byte, 8))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected (0, io.EOF) on second read after RST, got (%d, %v)", n, err)
	}
}

// TestHandshakeTimeoutFailsHandler covers §8 property 2 / S4: a handshake
// that never completes must fail the handler with ErrHandshakeTimeout once
// cfg.HandshakeTimeout elapses.
func TestHandshakeTimeoutFailsHandler(t *testing.T) {
	loop := event.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	cfg := DefaultConfig(RoleClient)
	cfg.HandshakeTimeout = 50 * time.Millisecond

	invalid := make(chan error, 1)
	h := NewHandler(cfg, NewDefaultFramer(), loop, 1, 9000, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9001}, &recordingTransport{}, nil,
		nil, func(fd int, err error) { invalid <- err }, nil, nil)

	h.Connected() // no peer ever answers, so the handshake never advances past state 1

	select {
	case err := <-invalid:
		if !errors.Is(err, ErrHandshakeTimeout) {
			t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timeout never fired")
	}
}

// TestKeepaliveStarvationFailsHandler covers §8 property 5 / S5: an
// unanswered probe exhausting the keepalive budget fails the handler with
// ErrKeepaliveStarved.
func TestKeepaliveStarvationFailsHandler(t *testing.T) {
	loop := event.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	cfg := DefaultConfig(RoleClient)
	cfg.KeepaliveTimeout = 50 * time.Millisecond
	cfg.KeepaliveBudget = 1 // a single unanswered probe exhausts the budget

	invalid := make(chan error, 1)
	h := NewHandler(cfg, NewDefaultFramer(), loop, 1, 9000, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9001}, &recordingTransport{}, nil,
		nil, func(fd int, err error) { invalid <- err }, nil, nil)

	// Skip the handshake itself: this test targets the keepalive budget,
	// which only Probe()s once handshakeState is established (2).
	h.mu.Lock()
	h.handshakeState = 2
	h.mu.Unlock()

	h.Probe() // no peer ever acks the probe

	select {
	case err := <-invalid:
		if !errors.Is(err, ErrKeepaliveStarved) {
			t.Fatalf("expected ErrKeepaliveStarved, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive starvation never fired")
	}
}

// TestWriteQueuePriorityPushFrontJumpsQueue covers §8 property 6:
// push_message_to_write (used for RST/keepalive-ack/error frames) must be
// written ahead of anything already queued via add_message_to_write.
func TestWriteQueuePriorityPushFrontJumpsQueue(t *testing.T) {
	loop := event.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	transport := &recordingTransport{}
	cfg := DefaultConfig(RoleClient)
	h := NewHandler(cfg, NewDefaultFramer(), loop, 1, 9000, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9001}, transport, nil,
		nil, func(fd int, err error) {}, nil, nil)

	h.Connected() // writes the client handshake magic, leaves handshakeState == 1

	h.mu.Lock()
	h.addMessageToWrite([]byte("first"))  // queued, not drained: handshakeState != 2
	h.addMessageToWrite([]byte("second")) // queued, not drained
	h.pushMessageToWrite([]byte("priority"))
	// Unblock the write engine as if the handshake had just completed, to
	// observe the order the queue drains in.
	h.handshakeState = 2
	h.pumpWriteQueueLocked()
	h.mu.Unlock()

	writes := transport.snapshot()
	if len(writes) != 4 {
		t.Fatalf("expected 4 writes (handshake + 3 queued), got %d", len(writes))
	}
	order := []string{string(writes[1]), string(writes[2]), string(writes[3])}
	want := []string{"priority", "first", "second"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("write order = %v, want %v", order, want)
		}
	}
}

// TestFailIsIdempotent covers §8 property 8: a second fail() call is a
// strict no-op, invoking invalid_callback exactly once.
func TestFailIsIdempotent(t *testing.T) {
	loop := event.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	cfg := DefaultConfig(RoleClient)
	cfg.FailGrace = 10 * time.Millisecond

	var mu sync.Mutex
	calls := 0
	h := NewHandler(cfg, NewDefaultFramer(), loop, 1, 9000, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9001}, &recordingTransport{}, nil,
		nil, func(fd int, err error) {
			mu.Lock()
			calls++
			mu.Unlock()
		}, nil, nil)

	boom := errors.New("boom")
	h.fail(boom, true)
	h.fail(boom, true) // must be a no-op: first call already set h.failed

	time.Sleep(200 * time.Millisecond) // past FailGrace, so the first call's invalidCB has fired

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected invalid_callback exactly once, got %d", calls)
	}
}
