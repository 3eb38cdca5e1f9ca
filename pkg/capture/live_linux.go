//go:build linux

package capture

import (
	"fmt"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// Interface is a Source reading every frame seen on a network interface
// through an AF_PACKET socket.
type Interface struct {
	name string
	conn *packet.Conn
	buf  []byte
}

// OpenInterface starts capturing on the named interface.
func OpenInterface(name string) (*Interface, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", name, err)
	}
	return &Interface{
		name: name,
		conn: conn,
		buf:  make([]byte, ifi.MTU+64),
	}, nil
}

// ReadPacketData blocks until a frame arrives.
func (i *Interface) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	n, _, err := i.conn.ReadFrom(i.buf)
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: n,
		Length:        n,
	}
	return i.buf[:n], ci, nil
}

// LinkType is always Ethernet.
func (i *Interface) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

// Close stops the capture.
func (i *Interface) Close() error {
	return i.conn.Close()
}
