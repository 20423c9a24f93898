// Package buf implements the contiguous byte buffer with independent read
// and write cursors used throughout rumux (component C1 of the streamed
// multiplexing spec): the handler's (C5) receive buffer, holding bytes off
// the wire until the handshake parser or framer consumes them.
//
// The backing store is a pooled byte slice from sagernet/sing's buf
// package (the teacher's own dependency), so high-frequency allocation in
// the per-frame hot path reuses the same allocator smux's sendLoop uses
// for outgoing frames.
package buf

import (
	sbuf "github.com/sagernet/sing/common/buf"
)

// Buffer is a byte run with a read cursor and a write cursor over a single
// backing array. It is intentionally not a chunk list: every operation the
// spec requires (skip, used, readAll, concat, sub, fromFull) is cheap to
// express as cursor arithmetic over one slice, and Sub is then a genuine
// zero-copy view rather than a second indirection layer.
type Buffer struct {
	store *sbuf.Buffer
	data  []byte
	r, w  int
}

// New returns an empty buffer with the given initial capacity hint.
func New(capacityHint int) *Buffer {
	if capacityHint < 64 {
		capacityHint = 64
	}
	sb := sbuf.NewSize(capacityHint)
	return &Buffer{store: sb, data: sb.FreeBytes()}
}

// FromFull wraps an existing slice as a fully-written buffer: read=0,
// write=len(b). It does not copy; callers must not mutate b afterward
// while the Buffer is alive.
func FromFull(b []byte) *Buffer {
	return &Buffer{data: b, r: 0, w: len(b)}
}

// Append copies b onto the write cursor, growing the backing store if
// necessary. Already-consumed bytes below the read cursor are dropped
// during growth or compaction rather than carried forward, so a buffer
// fed and skipped continuously (the handler's recv_buffer) never grows
// unbounded with dead prefix.
func (buf *Buffer) Append(b []byte) {
	used := buf.Used()
	if used+len(b) > len(buf.data) {
		grown := make([]byte, (used+len(b))*2)
		copy(grown, buf.data[buf.r:buf.w])
		buf.data = grown
		buf.store = nil // no longer pool-backed once we've outgrown it
		buf.r, buf.w = 0, used
	} else if buf.w+len(b) > len(buf.data) {
		copy(buf.data, buf.data[buf.r:buf.w])
		buf.r, buf.w = 0, used
	}
	copy(buf.data[buf.w:], b)
	buf.w += len(b)
}

// Used returns the number of unread bytes between the read and write
// cursors.
func (buf *Buffer) Used() int { return buf.w - buf.r }

// Peek returns the unread bytes without advancing the read cursor. The
// returned slice aliases the buffer's backing store.
func (buf *Buffer) Peek() []byte { return buf.data[buf.r:buf.w] }

// Skip advances the read cursor by n bytes, clamped to Used().
func (buf *Buffer) Skip(n int) {
	if n > buf.Used() {
		n = buf.Used()
	}
	buf.r += n
}

// Read copies up to len(dst) unread bytes into dst, advances the read
// cursor, and returns the number of bytes copied.
func (buf *Buffer) Read(dst []byte) int {
	n := copy(dst, buf.Peek())
	buf.r += n
	return n
}

// ReadAll returns and consumes every unread byte as a freshly allocated
// slice.
func (buf *Buffer) ReadAll() []byte {
	out := append([]byte(nil), buf.Peek()...)
	buf.r = buf.w
	return out
}

// Concat returns a new buffer holding this buffer's unread bytes followed
// by other's unread bytes. Per the design notes this is "build only on
// read": it materializes eagerly here (a single copy) rather than
// deferring to a lazily-joined chunk list, since rumux's framer always
// consumes the result immediately.
func (buf *Buffer) Concat(other *Buffer) *Buffer {
	out := New(buf.Used() + other.Used())
	out.Append(buf.Peek())
	out.Append(other.Peek())
	return out
}

// Sub returns a zero-copy view of length bytes starting at offset within
// the unread region. Mutating the returned buffer is safe: its own cursors
// are independent, but it shares the backing array, so writes through
// Append past its original bound may reallocate rather than clobber the
// parent.
func (buf *Buffer) Sub(offset, length int) *Buffer {
	start := buf.r + offset
	end := start + length
	return &Buffer{data: buf.data[start:end:end], r: 0, w: length}
}

// Release returns the backing store to the pool, if pool-backed. Callers
// must not use the buffer afterward.
func (buf *Buffer) Release() {
	if buf.store != nil {
		buf.store.Release()
		buf.store = nil
	}
	buf.data = nil
	buf.r, buf.w = 0, 0
}
