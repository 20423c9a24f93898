package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loopwire/rumux/event"
	"github.com/loopwire/rumux/mux"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakePacketConn is an in-memory net.PacketConn: writes to one end land in
// the other end's read channel, with no real network involved, mirroring
// the style of in-process fakes the corpus uses for its own session tests
// rather than reaching for a mocking framework.
type fakePacketConn struct {
	addr fakeAddr
	in   chan []byte
	out  *fakePacketConn

	mu     sync.Mutex
	closed bool
}

func newFakePacketConnPair(a, b fakeAddr) (*fakePacketConn, *fakePacketConn) {
	ca := &fakePacketConn{addr: a, in: make(chan []byte, 64)}
	cb := &fakePacketConn{addr: b, in: make(chan []byte, 64)}
	ca.out = cb
	cb.out = ca
	return ca, cb
}

var _ net.PacketConn = (*fakePacketConn)(nil)

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	buf, ok := <-c.in
	if !ok {
		return 0, nil, errors.New("fakePacketConn closed")
	}
	return copy(p, buf), c.addr, nil
}

func (c *fakePacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, errors.New("fakePacketConn closed")
	}
	c.out.in <- append([]byte(nil), p...)
	return len(p), nil
}

func (c *fakePacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr              { return c.addr }
func (c *fakePacketConn) SetDeadline(time.Time) error       { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error  { return nil }

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition never became true within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAdapterHandshakeAndStreamRoundTrip(t *testing.T) {
	clientConn, serverConn := newFakePacketConnPair("client", "server")
	clientLoop := event.NewLoop()
	serverLoop := event.NewLoop()
	go clientLoop.Run()
	go serverLoop.Run()
	t.Cleanup(clientLoop.Stop)
	t.Cleanup(serverLoop.Stop)

	clientAdapter := NewAdapter(clientConn, serverConn.addr, 42, clientLoop, nil)
	serverAdapter := NewAdapter(serverConn, clientConn.addr, 42, serverLoop, nil)
	t.Cleanup(func() { clientAdapter.Close() })
	t.Cleanup(func() { serverAdapter.Close() })

	listener, err := mux.NewListener(100, serverLoop)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	ready := make(chan struct{}, 1)
	client := mux.NewHandler(mux.DefaultConfig(mux.RoleClient), mux.NewDefaultFramer(), clientLoop, 100, 9000, clientAdapter.RemoteAddr(), clientAdapter, nil,
		func() { ready <- struct{}{} },
		func(fd int, err error) { t.Logf("client handler failed: %v", err) },
		nil, nil)
	server := mux.NewHandler(mux.DefaultConfig(mux.RoleServer), mux.NewDefaultFramer(), serverLoop, 100, 9000, serverAdapter.RemoteAddr(), serverAdapter,
		func(mux.StreamID) bool { return true }, nil,
		func(fd int, err error) { t.Logf("server handler failed: %v", err) },
		listener, nil)

	clientAdapter.SetHandler(client)
	serverAdapter.SetHandler(server)

	client.Connected()
	server.Connected()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed over the fake wire")
	}

	s, err := client.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client.SendSyn(s)

	select {
	case <-listener.Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the new stream")
	}
	accepted, ok := listener.Accept()
	if !ok {
		t.Fatalf("Accept returned false after Notify")
	}

	payload := []byte("over the fake wire")
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 64)
	pollUntil(t, 2*time.Second, func() bool {
		n, err := accepted.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		_ = err
		return len(got) >= len(payload)
	})
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestAdapterReportsFatalOnMalformedDatagram(t *testing.T) {
	clientConn, serverConn := newFakePacketConnPair("client", "server")
	loop := event.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	adapter := NewAdapter(serverConn, clientConn.addr, 7, loop, nil)
	t.Cleanup(func() { adapter.Close() })

	failed := make(chan error, 1)
	h := mux.NewHandler(mux.DefaultConfig(mux.RoleServer), mux.NewDefaultFramer(), loop, 1, 9000, adapter.RemoteAddr(), adapter,
		func(mux.StreamID) bool { return true }, nil,
		func(fd int, err error) { failed <- err },
		nil, nil)
	adapter.SetHandler(h)
	h.Connected()

	if _, err := clientConn.WriteTo([]byte{1, 2, 3}, serverConn.addr); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	select {
	case err := <-failed:
		if err == nil {
			t.Fatalf("expected a non-nil fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("malformed datagram never reached invalid_callback")
	}
}

func TestAdapterWaitSndAndClose(t *testing.T) {
	clientConn, serverConn := newFakePacketConnPair("client", "server")
	loop := event.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	adapter := NewAdapter(clientConn, serverConn.addr, 9, loop, nil)
	if n := adapter.WaitSnd(); n != 0 {
		t.Fatalf("expected 0 queued segments on a fresh adapter, got %d", n)
	}
	if _, err := adapter.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}
