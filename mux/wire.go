package mux

import (
	"encoding/binary"
	"fmt"
)

// Callbacks is implemented by Handler and invoked by a Framer while it
// parses frames out of recv_buffer (§4.5.3). Keeping this as an
// interface, rather than the source's subclassing, is the "single Framer
// capability bundle" design note (§9) applied to the parse direction too.
type Callbacks interface {
	DataForStream(id StreamID, payload []byte)
	SynReceived(id StreamID)
	FinReceived(id StreamID)
	RstReceived(id StreamID)
	ErrorReceived(err error)
	KeepaliveReceived(kid uint64, isAck bool)
}

// Framer is the pluggable wire-codec capability bundle from §9: format_*
// for every outbound frame kind, parse_* for the handshake and the two
// per-role feed loops, plus stream id allocation. The byte format is not
// pinned by the spec (§9 Open Questions) — this default implementation is
// one concrete instantiation, grounded in the message set §6 requires.
type Framer interface {
	FormatClientHandshake() []byte
	FormatServerHandshake() []byte
	FormatSYN(id StreamID) []byte
	FormatSYNACK(id StreamID) []byte
	FormatFIN(id StreamID) []byte
	FormatRST(id StreamID) []byte
	FormatPSH(id StreamID, payload []byte) []byte
	FormatKeepalive(kid uint64, isAck bool) []byte
	FormatError(err error) []byte

	ParseClientHandshake(buf []byte) (consumed int)
	ParseServerHandshake(buf []byte) (consumed int)

	// ClientFeed/ServerFeed parse and dispatch exactly one frame from buf,
	// invoking the matching Callbacks method. 0 means "need more bytes";
	// a negative return means the bytes are malformed and the handler
	// must fail the connection (mirrors arq.Engine.Input's contract).
	ClientFeed(buf []byte, cb Callbacks) (consumed int)
	ServerFeed(buf []byte, cb Callbacks) (consumed int)

	NextStreamID() StreamID
}

// Frame type tags for the default wire codec. One byte, followed by a
// type-specific payload.
const (
	tagSYN byte = iota + 1
	tagSYNACK
	tagFIN
	tagRST
	tagPSH
	tagKeepalive
	tagError
)

var clientHandshakeMagic = []byte("CHLO")
var serverHandshakeMagic = []byte("SHLO")

// defaultFramer is the reference Framer: handshake messages are the
// literal 4-byte magics used in the spec's own worked example (§8, S1);
// every other frame starts with a 1-byte tag. SYN, SYN-ACK, FIN and RST
// follow it with a little-endian stream id; PSH with the stream id and a
// length-prefixed payload; keepalive with a little-endian 8-byte id and an
// ack flag byte; error with a length-prefixed message and no stream id.
type defaultFramer struct {
	nextID StreamID
}

// NewDefaultFramer returns the reference Framer implementation.
func NewDefaultFramer() Framer {
	return &defaultFramer{nextID: 1}
}

func (f *defaultFramer) FormatClientHandshake() []byte { return append([]byte(nil), clientHandshakeMagic...) }
func (f *defaultFramer) FormatServerHandshake() []byte { return append([]byte(nil), serverHandshakeMagic...) }

func (f *defaultFramer) ParseClientHandshake(buf []byte) int {
	return matchMagic(buf, clientHandshakeMagic)
}

func (f *defaultFramer) ParseServerHandshake(buf []byte) int {
	return matchMagic(buf, serverHandshakeMagic)
}

func matchMagic(buf, magic []byte) int {
	if len(buf) < len(magic) {
		return 0
	}
	for i, b := range magic {
		if buf[i] != b {
			return 0 // malformed handshake bytes are simply never satisfied; the 5000ms timer fails the handler
		}
	}
	return len(magic)
}

func (f *defaultFramer) FormatSYN(id StreamID) []byte     { return idFrame(tagSYN, id) }
func (f *defaultFramer) FormatSYNACK(id StreamID) []byte  { return idFrame(tagSYNACK, id) }
func (f *defaultFramer) FormatFIN(id StreamID) []byte     { return idFrame(tagFIN, id) }
func (f *defaultFramer) FormatRST(id StreamID) []byte     { return idFrame(tagRST, id) }

func idFrame(tag byte, id StreamID) []byte {
	b := make([]byte, 5)
	b[0] = tag
	binary.LittleEndian.PutUint32(b[1:], uint32(id))
	return b
}

func (f *defaultFramer) FormatPSH(id StreamID, payload []byte) []byte {
	b := make([]byte, 9+len(payload))
	b[0] = tagPSH
	binary.LittleEndian.PutUint32(b[1:], uint32(id))
	binary.LittleEndian.PutUint32(b[5:], uint32(len(payload)))
	copy(b[9:], payload)
	return b
}

func (f *defaultFramer) FormatKeepalive(kid uint64, isAck bool) []byte {
	b := make([]byte, 10)
	b[0] = tagKeepalive
	binary.LittleEndian.PutUint64(b[1:], kid)
	if isAck {
		b[9] = 1
	}
	return b
}

func (f *defaultFramer) FormatError(err error) []byte {
	msg := []byte(fmt.Sprint(err))
	b := make([]byte, 5+len(msg))
	b[0] = tagError
	binary.LittleEndian.PutUint32(b[1:], uint32(len(msg)))
	copy(b[5:], msg)
	return b
}

func (f *defaultFramer) NextStreamID() StreamID {
	id := f.nextID
	f.nextID++
	return id
}

// ClientFeed and ServerFeed share the same tag dispatch and both report
// SYN and SYN-ACK through SynReceived; the role split for SYN handling
// lives in Handler.SynReceived (§4.5.3: the client treats it as the
// confirmation of its own open, the server allocates a stream).
func (f *defaultFramer) ClientFeed(buf []byte, cb Callbacks) int {
	return f.feed(buf, cb, false)
}

func (f *defaultFramer) ServerFeed(buf []byte, cb Callbacks) int {
	return f.feed(buf, cb, true)
}

func (f *defaultFramer) feed(buf []byte, cb Callbacks, isServer bool) int {
	if len(buf) < 1 {
		return 0
	}
	switch buf[0] {
	case tagSYN, tagSYNACK, tagFIN, tagRST:
		if len(buf) < 5 {
			return 0
		}
		id := StreamID(binary.LittleEndian.Uint32(buf[1:5]))
		switch buf[0] {
		case tagSYN, tagSYNACK:
			cb.SynReceived(id)
		case tagFIN:
			cb.FinReceived(id)
		case tagRST:
			cb.RstReceived(id)
		}
		return 5
	case tagPSH:
		if len(buf) < 9 {
			return 0
		}
		id := StreamID(binary.LittleEndian.Uint32(buf[1:5]))
		length := binary.LittleEndian.Uint32(buf[5:9])
		if uint32(len(buf)-9) < length {
			return 0
		}
		payload := buf[9 : 9+length]
		cb.DataForStream(id, payload)
		return int(9 + length)
	case tagKeepalive:
		if len(buf) < 10 {
			return 0
		}
		kid := binary.LittleEndian.Uint64(buf[1:9])
		cb.KeepaliveReceived(kid, buf[9] != 0)
		return 10
	case tagError:
		if len(buf) < 5 {
			return 0
		}
		length := binary.LittleEndian.Uint32(buf[1:5])
		if uint32(len(buf)-5) < length {
			return 0
		}
		msg := string(buf[5 : 5+length])
		cb.ErrorReceived(fmt.Errorf("%s", msg))
		return int(5 + length)
	default:
		// A negative return is this codec's equivalent of the ARQ
		// engine's negative Input return: malformed wire bytes, not a
		// "need more data" condition. The handler treats it as
		// transport-fatal (fail with send_rst=true), distinct from a
		// genuine peer-sent error frame (tagError, handled above) which
		// fails with send_rst=false per §7.
		return -1
	}
}
