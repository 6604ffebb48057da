// Package radio provides the concrete wire-frame transport the binaries
// use to simulate the TDMA radio link over UDP. It is an external
// collaborator: an event handler that must run to completion between
// ticks and must not block the core's tick loop itself. No suitable
// packet-radio library exists in the reference corpus for this link, so
// it is built directly on net.UDPConn (see DESIGN.md).
package radio

import (
	"net"
)

// MaxFrameSize bounds a single UDP datagram; every MASH wire frame fits
// well within this, assuming a single packet carries one frame.
const MaxFrameSize = 8192

// Link sends and receives raw wire frames. Listen returns the one
// net.UDPConn-backed implementation, used by both the Gateway and Nodes.
type Link interface {
	// Send transmits a frame to the peer address (the Gateway's address
	// when sent by a Node, or a specific node's address when sent by the
	// Gateway).
	Send(addr *net.UDPAddr, frame []byte) error
	// Recv blocks until one frame arrives. The caller must treat this as
	// a non-blocking poll from the perspective of the core: call it from
	// its own goroutine and hand decoded results to the core's tick loop
	// via a channel, never from inside Tick itself.
	Recv() (frame []byte, from *net.UDPAddr, err error)
	Close() error
}

// udpLink is the shared net.UDPConn-backed Link implementation.
type udpLink struct {
	conn *net.UDPConn
}

// Listen opens a UDP socket bound to addr (e.g. ":7000" for the Gateway,
// ":0" for a Node picking an ephemeral port).
func Listen(addr string) (Link, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &udpLink{conn: conn}, nil
}

func (l *udpLink) Send(addr *net.UDPAddr, frame []byte) error {
	_, err := l.conn.WriteToUDP(frame, addr)
	return err
}

func (l *udpLink) Recv() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, MaxFrameSize)
	n, from, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

func (l *udpLink) Close() error {
	return l.conn.Close()
}
