//go:build !linux

package capture

import (
	"errors"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Interface is unavailable on this platform.
type Interface struct{}

// OpenInterface always fails outside Linux.
func OpenInterface(name string) (*Interface, error) {
	return nil, errors.New("live capture requires linux")
}

func (i *Interface) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, errors.New("live capture requires linux")
}

func (i *Interface) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (i *Interface) Close() error { return nil }
