package arq

import (
	"bytes"
	"testing"
)

// wireEngines connects two engines back-to-back through direct Input calls,
// simulating a lossless datagram channel.
func wireEngines(t *testing.T) (a, b *Engine) {
	t.Helper()
	a = New(1, func(buf []byte) {
		cp := append([]byte(nil), buf...)
		if ret := b.Input(cp); ret < 0 {
			t.Fatalf("b.Input: %d", ret)
		}
	})
	b = New(1, func(buf []byte) {
		cp := append([]byte(nil), buf...)
		if ret := a.Input(cp); ret < 0 {
			t.Fatalf("a.Input: %d", ret)
		}
	})
	a.NoDelay(true, 10, 2, true)
	b.NoDelay(true, 10, 2, true)
	return a, b
}

func TestEngineSendRecvRoundTrip(t *testing.T) {
	a, b := wireEngines(t)

	if ret := a.Send([]byte("ping")); ret != 0 {
		t.Fatalf("Send: %d", ret)
	}

	var now uint32
	for i := 0; i < 20 && !b.CanRecv(); i++ {
		now += 10
		a.Update(now)
		b.Update(now)
	}

	if !b.CanRecv() {
		t.Fatalf("b never received the message")
	}
	var out []byte
	if n := b.Recv(&out); n < 0 {
		t.Fatalf("Recv: %d", n)
	}
	if !bytes.Equal(out, []byte("ping")) {
		t.Fatalf("got %q want %q", out, "ping")
	}
}

func TestEngineFragmentsLargeMessage(t *testing.T) {
	a, b := wireEngines(t)

	big := bytes.Repeat([]byte("x"), 4000)
	if ret := a.Send(big); ret != 0 {
		t.Fatalf("Send: %d", ret)
	}

	var now uint32
	for i := 0; i < 50 && !b.CanRecv(); i++ {
		now += 10
		a.Update(now)
		b.Update(now)
	}

	var out []byte
	if n := b.Recv(&out); n != len(big) {
		t.Fatalf("Recv n=%d want %d", n, len(big))
	}
	if !bytes.Equal(out, big) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestEngineInputRejectsShortDatagram(t *testing.T) {
	e := New(1, func([]byte) {})
	if ret := e.Input([]byte{1, 2, 3}); ret >= 0 {
		t.Fatalf("expected negative return for short datagram, got %d", ret)
	}
}

func TestEngineInputRejectsWrongConv(t *testing.T) {
	a, _ := wireEngines(t)
	other := New(2, func([]byte) {})
	if ret := a.Send([]byte("hi")); ret != 0 {
		t.Fatalf("Send: %d", ret)
	}
	a.Flush(false)

	// build a valid-looking datagram tagged for a different conv by hand
	var captured []byte
	e := New(2, func(buf []byte) { captured = append([]byte(nil), buf...) })
	e.NoDelay(true, 10, 2, true)
	if ret := e.Send([]byte("hi")); ret != 0 {
		t.Fatalf("Send: %d", ret)
	}
	e.Update(10)
	if captured == nil {
		t.Fatal("expected engine to emit a datagram")
	}
	if ret := other.Input(captured); ret >= 0 {
		t.Fatalf("expected conv mismatch to be rejected, got %d", ret)
	}
}

func TestEngineNoDelayPinsRTOAndCwnd(t *testing.T) {
	e := New(1, func([]byte) {})
	e.NoDelay(true, 10, 2, true)
	if e.rxMinrto != rtoNoDelayMin {
		t.Fatalf("rxMinrto = %d, want %d", e.rxMinrto, rtoNoDelayMin)
	}
	if e.interval != 10 {
		t.Fatalf("interval = %d, want 10", e.interval)
	}
	if e.fastresend != 2 {
		t.Fatalf("fastresend = %d, want 2", e.fastresend)
	}
	if !e.nocwnd {
		t.Fatalf("nocwnd should be true")
	}
}
