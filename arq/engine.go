// Package arq implements a KCP-style reliable-ordered-delivery engine over
// an unreliable datagram channel: automatic repeat request with selective
// ack, fast retransmit and a light congestion window.
//
// This is component C2 of the streamed-multiplexing spec. The spec treats
// the ARQ engine as an external black box with a fixed contract (New,
// Input, Send, CanRecv, Recv, Update, Flush, GetState, NoDelay) and pins
// its tuning to the "fast3" profile. The real published xtaci/kcp-go
// module cannot satisfy that contract from outside its own package (its
// flush step and per-tick clock are unexported, and its session wrapper
// reaches into unexported fields directly) so the algorithm is ported
// in-tree here, adapted from the reference KCP implementation vendored
// across this corpus, and pinned to the exact contract the spec names.
package arq

const (
	rtoNoDelayMin = 30
	rtoMin        = 100
	rtoDefault    = 200
	rtoMax        = 60000

	cmdPush = 81
	cmdAck  = 82
	cmdWAsk = 83
	cmdWins = 84

	askSend = 1
	askTell = 2

	wndSendDefault = 32
	wndRecvDefault = 32
	mtuDefault     = 1400

	intervalDefault = 100
	deadLink        = 20
	threshInit      = 2
	threshMin       = 2

	probeInit  = 7000
	probeLimit = 120000
)

// State reported by GetState; negative means the connection is considered
// dead (too many retransmissions on a single segment).
const (
	StateOK      = 0
	StateInvalid = -1
)

// Output is invoked synchronously whenever the engine has bytes ready to
// leave this endpoint. The caller (C3, the ARQ-UDP adapter) is responsible
// for actually writing buf to the datagram socket before Output returns,
// since buf is reused by the engine afterward.
type Output func(buf []byte)

// Engine is one ARQ connection endpoint. It is not safe for concurrent use;
// callers (the adapter) must serialize Input/Send/Recv/Update/Flush, which
// the adapter in this module does with its own mutex.
type Engine struct {
	conv, mtu, mss        uint32
	state                 int32
	sndUna, sndNxt, rcvNxt uint32
	ssthresh              uint32
	rxRttvar, rxSrtt      int32
	rxRto, rxMinrto       uint32
	sndWnd, rcvWnd        uint32
	rmtWnd, cwnd, probe   uint32
	interval, tsFlush     uint32
	nodelay, updated      uint32
	tsProbe, probeWait    uint32
	incr                  uint32

	fastresend int32
	nocwnd     bool
	now        uint32 // last timestamp observed via Update; used by Input for RTT sampling

	sndQueue []segment
	rcvQueue []segment
	sndBuf   []segment
	rcvBuf   []segment

	acklist []ackItem

	buffer []byte
	output Output
}

// New creates an ARQ engine for one side of a connection. conv must match
// on both endpoints; output is called whenever the engine emits datagrams,
// synchronously from Input, Update and Flush (Send only queues).
func New(conv uint32, output Output) *Engine {
	e := &Engine{
		conv:      conv,
		sndWnd:    wndSendDefault,
		rcvWnd:    wndRecvDefault,
		rmtWnd:    wndRecvDefault,
		mtu:       mtuDefault,
		rxRto:     rtoDefault,
		rxMinrto:  rtoMin,
		interval:  intervalDefault,
		tsFlush:   intervalDefault,
		ssthresh:  threshInit,
		output:    output,
	}
	e.mss = e.mtu - segmentHeaderSize
	e.buffer = make([]byte, (e.mtu+segmentHeaderSize)*3)
	return e
}

// NoDelay configures retransmission aggressiveness. The spec pins this to
// NoDelay(true, 10, 2, true) ("fast3"): implementers must not change it.
func (e *Engine) NoDelay(nodelay bool, intervalMs, resend int, nc bool) {
	if nodelay {
		e.nodelay = 1
		e.rxMinrto = rtoNoDelayMin
	} else {
		e.nodelay = 0
		e.rxMinrto = rtoMin
	}
	if intervalMs > 5000 {
		intervalMs = 5000
	} else if intervalMs < 10 {
		intervalMs = 10
	}
	e.interval = uint32(intervalMs)
	e.fastresend = int32(resend)
	e.nocwnd = nc
}

// GetState returns StateOK or StateInvalid. A negative state means a
// segment exceeded the dead-link retransmit count; the owning adapter must
// treat this as transport-fatal.
func (e *Engine) GetState() int32 { return e.state }

func imin(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func imax(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func ibound(lower, middle, upper uint32) uint32 {
	return imin(imax(lower, middle), upper)
}

func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func (e *Engine) peekSize() int {
	if len(e.rcvQueue) == 0 {
		return -1
	}
	seg := &e.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if len(e.rcvQueue) < int(seg.frg)+1 {
		return -1
	}
	length := 0
	for k := range e.rcvQueue {
		s := &e.rcvQueue[k]
		length += len(s.data)
		if s.frg == 0 {
			break
		}
	}
	return length
}

// CanRecv reports whether a fully reassembled message is ready to drain.
func (e *Engine) CanRecv() bool {
	return e.peekSize() >= 0
}

// Recv drains one reassembled message (a sequence of fragments merged back
// into a single payload) and appends it to out. It returns the number of
// bytes drained, or a negative number if nothing is ready.
func (e *Engine) Recv(out *[]byte) int {
	if len(e.rcvQueue) == 0 {
		return -1
	}
	peek := e.peekSize()
	if peek < 0 {
		return -2
	}

	fastRecover := len(e.rcvQueue) >= int(e.rcvWnd)

	n := 0
	count := 0
	for k := range e.rcvQueue {
		seg := &e.rcvQueue[k]
		*out = append(*out, seg.data...)
		n += len(seg.data)
		count++
		if seg.frg == 0 {
			break
		}
	}
	e.rcvQueue = e.rcvQueue[count:]

	count = 0
	for k := range e.rcvBuf {
		seg := &e.rcvBuf[k]
		if seg.sn == e.rcvNxt && len(e.rcvQueue) < int(e.rcvWnd) {
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	e.rcvQueue = append(e.rcvQueue, e.rcvBuf[:count]...)
	e.rcvBuf = e.rcvBuf[count:]

	if len(e.rcvQueue) < int(e.rcvWnd) && fastRecover {
		e.probe |= askTell
	}
	return n
}

// Send enqueues application bytes for reliable delivery, fragmenting into
// MTU-sized segments as needed. Returns 0 on success, negative on fatal
// misuse (empty buffer, or a message too large to fragment).
func (e *Engine) Send(buffer []byte) int {
	if len(buffer) == 0 {
		return -1
	}

	var count int
	if len(buffer) <= int(e.mss) {
		count = 1
	} else {
		count = (len(buffer) + int(e.mss) - 1) / int(e.mss)
	}
	if count > 255 {
		return -2
	}
	if count == 0 {
		count = 1
	}

	for i := 0; i < count; i++ {
		size := len(buffer)
		if size > int(e.mss) {
			size = int(e.mss)
		}
		data := make([]byte, size)
		copy(data, buffer[:size])
		e.sndQueue = append(e.sndQueue, segment{
			data: data,
			frg:  uint8(count - i - 1),
		})
		buffer = buffer[size:]
	}
	return 0
}

func (e *Engine) updateAck(rtt int32) {
	if e.rxSrtt == 0 {
		e.rxSrtt = rtt
		e.rxRttvar = rtt >> 1
	} else {
		delta := rtt - e.rxSrtt
		e.rxSrtt += delta >> 3
		if delta < 0 {
			delta = -delta
		}
		if rtt < e.rxSrtt-e.rxRttvar {
			e.rxRttvar += (delta - e.rxRttvar) >> 5
		} else {
			e.rxRttvar += (delta - e.rxRttvar) >> 2
		}
	}
	rto := uint32(e.rxSrtt) + imax(e.interval, uint32(e.rxRttvar)<<2)
	e.rxRto = ibound(e.rxMinrto, rto, rtoMax)
}

func (e *Engine) shrinkBuf() {
	if len(e.sndBuf) > 0 {
		e.sndUna = e.sndBuf[0].sn
	} else {
		e.sndUna = e.sndNxt
	}
}

func (e *Engine) parseAck(sn uint32) {
	if timediff(sn, e.sndUna) < 0 || timediff(sn, e.sndNxt) >= 0 {
		return
	}
	for k := range e.sndBuf {
		if sn == e.sndBuf[k].sn {
			e.sndBuf = append(e.sndBuf[:k], e.sndBuf[k+1:]...)
			break
		}
		if timediff(sn, e.sndBuf[k].sn) < 0 {
			break
		}
	}
}

func (e *Engine) parseFastack(sn uint32) {
	if timediff(sn, e.sndUna) < 0 || timediff(sn, e.sndNxt) >= 0 {
		return
	}
	for k := range e.sndBuf {
		seg := &e.sndBuf[k]
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

func (e *Engine) parseUna(una uint32) {
	count := 0
	for k := range e.sndBuf {
		if timediff(una, e.sndBuf[k].sn) > 0 {
			count++
		} else {
			break
		}
	}
	e.sndBuf = e.sndBuf[count:]
}

func (e *Engine) ackPush(sn, ts uint32) {
	e.acklist = append(e.acklist, ackItem{sn, ts})
}

func (e *Engine) parseData(newseg segment) {
	sn := newseg.sn
	if timediff(sn, e.rcvNxt+e.rcvWnd) >= 0 || timediff(sn, e.rcvNxt) < 0 {
		return
	}

	n := len(e.rcvBuf) - 1
	insertIdx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		seg := &e.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if timediff(sn, seg.sn) > 0 {
			insertIdx = i + 1
			break
		}
	}

	if !repeat {
		if insertIdx == n+1 {
			e.rcvBuf = append(e.rcvBuf, newseg)
		} else {
			e.rcvBuf = append(e.rcvBuf, segment{})
			copy(e.rcvBuf[insertIdx+1:], e.rcvBuf[insertIdx:])
			e.rcvBuf[insertIdx] = newseg
		}
	}

	count := 0
	for k := range e.rcvBuf {
		seg := &e.rcvBuf[k]
		if seg.sn == e.rcvNxt && len(e.rcvQueue) < int(e.rcvWnd) {
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	e.rcvQueue = append(e.rcvQueue, e.rcvBuf[:count]...)
	e.rcvBuf = e.rcvBuf[count:]
}

// Input feeds one received datagram into the engine. Returns 0 on success,
// negative if the datagram is malformed or addressed to a different
// conversation; a negative return is transport-fatal per the spec.
func (e *Engine) Input(data []byte) int {
	if len(data) < segmentHeaderSize {
		return -1
	}
	una := e.sndUna
	current := e.now

	var maxack uint32
	flag := false

	for len(data) >= segmentHeaderSize {
		conv := le32(data[0:])
		if conv != e.conv {
			return -1
		}
		cmd := data[4]
		frg := data[5]
		wnd := le16(data[6:])
		ts := le32(data[8:])
		sn := le32(data[12:])
		una2 := le32(data[16:])
		length := le32(data[20:])
		data = data[segmentHeaderSize:]
		if uint32(len(data)) < length {
			return -2
		}

		if cmd != cmdPush && cmd != cmdAck && cmd != cmdWAsk && cmd != cmdWins {
			return -3
		}

		e.rmtWnd = uint32(wnd)
		e.parseUna(una2)
		e.shrinkBuf()

		switch cmd {
		case cmdAck:
			if timediff(current, ts) >= 0 {
				e.updateAck(timediff(current, ts))
			}
			e.parseAck(sn)
			e.shrinkBuf()
			if !flag {
				flag = true
				maxack = sn
			} else if timediff(sn, maxack) > 0 {
				maxack = sn
			}
		case cmdPush:
			if timediff(sn, e.rcvNxt+e.rcvWnd) < 0 {
				e.ackPush(sn, ts)
				if timediff(sn, e.rcvNxt) >= 0 {
					seg := segment{
						conv: conv, cmd: cmd, frg: frg, wnd: wnd,
						ts: ts, sn: sn, una: una2,
						data: append([]byte(nil), data[:length]...),
					}
					e.parseData(seg)
				}
			}
		case cmdWAsk:
			e.probe |= askTell
		case cmdWins:
			// no-op: peer just told us its window.
		}

		data = data[length:]
	}

	if flag {
		e.parseFastack(maxack)
	}

	if timediff(e.sndUna, una) > 0 {
		if e.cwnd < e.rmtWnd {
			mss := e.mss
			if e.cwnd < e.ssthresh {
				e.cwnd++
				e.incr += mss
			} else {
				if e.incr < mss {
					e.incr = mss
				}
				e.incr += (mss*mss)/e.incr + (mss / 16)
				if (e.cwnd+1)*mss <= e.incr {
					e.cwnd++
				}
			}
			if e.cwnd > e.rmtWnd {
				e.cwnd = e.rmtWnd
				e.incr = e.rmtWnd * mss
			}
		}
	}

	if len(e.acklist) > 0 && (e.nodelay != 0 || e.rmtWnd == 0) {
		e.Flush(true)
	}
	return 0
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (e *Engine) wndUnused() uint16 {
	if len(e.rcvQueue) < int(e.rcvWnd) {
		return uint16(int(e.rcvWnd) - len(e.rcvQueue))
	}
	return 0
}

// Flush emits any acks (and, unless ackOnly, pending/retransmitted data) as
// datagrams via Output. Called internally by Input/Update; exposed so an
// adapter can force an immediate flush (e.g. on urgent writes).
func (e *Engine) Flush(ackOnly bool) {
	buffer := e.buffer
	var change, lost bool

	seg := segment{conv: e.conv, cmd: cmdAck, wnd: e.wndUnused(), una: e.rcvNxt}

	ptr := buffer
	for _, ack := range e.acklist {
		ptr = e.emitIfFull(ptr, 0)
		seg.sn, seg.ts = ack.sn, ack.ts
		ptr = seg.encode(ptr)
	}
	e.acklist = nil
	if size := len(buffer) - len(ptr); size > 0 {
		e.output(buffer[:size])
		ptr = buffer
	}

	if ackOnly {
		return
	}

	current := e.now
	if e.rmtWnd == 0 {
		if e.probeWait == 0 {
			e.probeWait = probeInit
			e.tsProbe = current + e.probeWait
		} else if timediff(current, e.tsProbe) >= 0 {
			if e.probeWait < probeInit {
				e.probeWait = probeInit
			}
			e.probeWait += e.probeWait / 2
			if e.probeWait > probeLimit {
				e.probeWait = probeLimit
			}
			e.tsProbe = current + e.probeWait
			e.probe |= askSend
		}
	} else {
		e.tsProbe = 0
		e.probeWait = 0
	}

	if e.probe&askSend != 0 {
		seg.cmd = cmdWAsk
		ptr = e.emitIfFull(ptr, 0)
		ptr = seg.encode(ptr)
	}
	if e.probe&askTell != 0 {
		seg.cmd = cmdWins
		ptr = e.emitIfFull(ptr, 0)
		ptr = seg.encode(ptr)
	}
	e.probe = 0

	cwnd := imin(e.sndWnd, e.rmtWnd)
	if !e.nocwnd {
		cwnd = imin(e.cwnd, cwnd)
	}

	newCount := 0
	for k := range e.sndQueue {
		if timediff(e.sndNxt, e.sndUna+cwnd) >= 0 {
			break
		}
		ns := e.sndQueue[k]
		ns.conv = e.conv
		ns.cmd = cmdPush
		ns.sn = e.sndNxt
		e.sndBuf = append(e.sndBuf, ns)
		e.sndNxt++
		newCount++
	}
	e.sndQueue = e.sndQueue[newCount:]

	resent := uint32(e.fastresend)
	if e.fastresend <= 0 {
		resent = 0xffffffff
	}

	for k := len(e.sndBuf) - newCount; k < len(e.sndBuf); k++ {
		segp := &e.sndBuf[k]
		segp.xmit++
		segp.rto = e.rxRto
		segp.resendts = current + segp.rto
		segp.ts = current
		segp.wnd = seg.wnd
		segp.una = e.rcvNxt
		ptr = e.emitIfFull(ptr, len(segp.data))
		ptr = segp.encode(ptr)
		ptr = ptr[copy(ptr, segp.data):]
	}

	for k := 0; k < len(e.sndBuf)-newCount; k++ {
		segp := &e.sndBuf[k]
		needsend := false
		if timediff(current, segp.resendts) >= 0 {
			needsend = true
			segp.xmit++
			if e.nodelay == 0 {
				segp.rto += e.rxRto
			} else {
				segp.rto += e.rxRto / 2
			}
			segp.resendts = current + segp.rto
			lost = true
		} else if segp.fastack >= resent {
			needsend = true
			segp.xmit++
			segp.fastack = 0
			segp.rto = e.rxRto
			segp.resendts = current + segp.rto
			change = true
		}

		if needsend {
			segp.ts = current
			segp.wnd = seg.wnd
			segp.una = e.rcvNxt
			ptr = e.emitIfFull(ptr, len(segp.data))
			ptr = segp.encode(ptr)
			ptr = ptr[copy(ptr, segp.data):]

			if segp.xmit >= deadLink {
				e.state = StateInvalid
			}
		}
	}

	if size := len(buffer) - len(ptr); size > 0 {
		e.output(buffer[:size])
	}

	if change {
		inflight := e.sndNxt - e.sndUna
		e.ssthresh = inflight / 2
		if e.ssthresh < threshMin {
			e.ssthresh = threshMin
		}
		e.cwnd = e.ssthresh + resent
		e.incr = e.cwnd * e.mss
	}
	if lost {
		e.ssthresh = cwnd / 2
		if e.ssthresh < threshMin {
			e.ssthresh = threshMin
		}
		e.cwnd = 1
		e.incr = e.mss
	}
	if e.cwnd < 1 {
		e.cwnd = 1
		e.incr = e.mss
	}
}

func (e *Engine) emitIfFull(ptr []byte, extra int) []byte {
	size := len(e.buffer) - len(ptr)
	need := segmentHeaderSize + extra
	if size+need > int(e.mtu) {
		e.output(e.buffer[:size])
		return e.buffer
	}
	return ptr
}

// Update drives retransmission/ACK timing; the caller must invoke it at
// least every 10ms (the spec's fast3 interval) with the current monotonic
// millisecond timestamp.
func (e *Engine) Update(currentMs uint32) {
	e.now = currentMs
	if e.updated == 0 {
		e.updated = 1
		e.tsFlush = currentMs
	}

	slap := timediff(currentMs, e.tsFlush)
	if slap >= 10000 || slap < -10000 {
		e.tsFlush = currentMs
		slap = 0
	}
	if slap >= 0 {
		e.tsFlush += e.interval
		if timediff(currentMs, e.tsFlush) >= 0 {
			e.tsFlush = currentMs + e.interval
		}
		e.Flush(false)
	}
}

// WaitSnd reports how many segments are queued or in flight, unsent-ACK'd.
func (e *Engine) WaitSnd() int {
	return len(e.sndBuf) + len(e.sndQueue)
}

