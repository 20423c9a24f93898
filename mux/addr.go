package mux

import (
	"fmt"
	"net"
)

// StreamAddr is the synthetic net.Addr rumux fabricates for a stream, per
// §6: the 32-bit stream id is interpreted as a big-endian IPv4 address,
// and the port is taken from the underlying UDP socket (the client's own
// local port, or the server's view of the peer's remote port).
type StreamAddr struct {
	IP   [4]byte
	Port int
}

// streamAddr builds the synthetic address for id using the UDP port
// supplied by the caller (see Handler.localAndRemote).
func streamAddr(id StreamID, port int) StreamAddr {
	return StreamAddr{
		IP: [4]byte{
			byte(id >> 24),
			byte(id >> 16),
			byte(id >> 8),
			byte(id),
		},
		Port: port,
	}
}

func (a StreamAddr) Network() string { return "rumux" }

func (a StreamAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

var _ net.Addr = StreamAddr{}
