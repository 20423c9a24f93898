package arq

import "encoding/binary"

// segmentHeaderSize is the wire size of a segment header: conv(4) + cmd(1) +
// frg(1) + wnd(2) + ts(4) + sn(4) + una(4) + length(4).
const segmentHeaderSize = 24

// segment is one ARQ packet: either a PUSH carrying application bytes, an
// ACK, or a window probe/tell. The wire layout matches the "fast3"-tuned
// KCP encoding this engine is pinned to (§4.2 of the spec).
type segment struct {
	conv     uint32
	cmd      uint8
	frg      uint8
	wnd      uint16
	ts       uint32
	sn       uint32
	una      uint32
	data     []byte
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// encode writes the segment header and data to ptr, returning the unused tail.
func (s *segment) encode(ptr []byte) []byte {
	binary.LittleEndian.PutUint32(ptr[0:], s.conv)
	ptr[4] = s.cmd
	ptr[5] = s.frg
	binary.LittleEndian.PutUint16(ptr[6:], s.wnd)
	binary.LittleEndian.PutUint32(ptr[8:], s.ts)
	binary.LittleEndian.PutUint32(ptr[12:], s.sn)
	binary.LittleEndian.PutUint32(ptr[16:], s.una)
	binary.LittleEndian.PutUint32(ptr[20:], uint32(len(s.data)))
	return ptr[segmentHeaderSize:]
}

type ackItem struct {
	sn uint32
	ts uint32
}
