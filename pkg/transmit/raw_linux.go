//go:build linux

package transmit

import (
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/psaab/dyntrack/pkg/segment"
)

// RawSocket writes segments through raw sockets, one per address family.
// The kernel routes them; the IP header comes from the segment.
type RawSocket struct {
	raw4 *ipv4.RawConn
	fd6  int

	sent   atomic.Uint64
	failed atomic.Uint64
}

// OpenRaw opens the raw sockets. Requires CAP_NET_RAW.
func OpenRaw() (*RawSocket, error) {
	conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("listen ip4:tcp: %w", err)
	}
	raw4, err := ipv4.NewRawConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("raw conn: %w", err)
	}
	// Send only; keep the receive queue from growing.
	if ic, ok := conn.(*net.IPConn); ok {
		_ = ic.SetReadBuffer(1)
	}

	fd6, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		raw4.Close()
		return nil, fmt.Errorf("raw socket (inet6): %w", err)
	}
	return &RawSocket{raw4: raw4, fd6: fd6}, nil
}

// Transmit serializes s and sends it toward s.Flow.Dst.
func (r *RawSocket) Transmit(s segment.Segment) error {
	pkt, err := s.Serialize()
	if err != nil {
		r.failed.Add(1)
		return err
	}
	dst := s.Flow.Dst.Unmap()
	if dst.Is4() {
		err = r.write4(pkt)
	} else {
		err = unix.Sendto(r.fd6, pkt, 0, &unix.SockaddrInet6{Addr: dst.As16()})
	}
	if err != nil {
		r.failed.Add(1)
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	r.sent.Add(1)
	return nil
}

func (r *RawSocket) write4(pkt []byte) error {
	hdr, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	return r.raw4.WriteTo(hdr, pkt[hdr.Len:], nil)
}

// Counters returns the number of segments sent and failed.
func (r *RawSocket) Counters() (sent, failed uint64) {
	return r.sent.Load(), r.failed.Load()
}

// Close closes both sockets.
func (r *RawSocket) Close() error {
	err4 := r.raw4.Close()
	err6 := unix.Close(r.fd6)
	if err4 != nil {
		return err4
	}
	return err6
}
