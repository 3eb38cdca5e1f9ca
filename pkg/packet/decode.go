// Package packet turns captured frames into the flow.Packet view used by
// the filter.
package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/psaab/dyntrack/pkg/flow"
)

// ErrNotIP is returned for frames that carry neither IPv4 nor IPv6.
var ErrNotIP = errors.New("not an IP packet")

// Decoder decodes frames without allocating per packet. A Decoder is not
// safe for concurrent use; give every capture loop its own.
type Decoder struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	ext   layers.IPv6ExtensionSkipper
	tcp   layers.TCP
	udp   layers.UDP

	ethParser *gopacket.DecodingLayerParser
	ip4Parser *gopacket.DecodingLayerParser
	ip6Parser *gopacket.DecodingLayerParser
	decoded   []gopacket.LayerType
}

// NewDecoder creates a decoder.
func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 8)}
	d.ethParser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&d.eth, &d.dot1q, &d.ip4, &d.ip6, &d.ext, &d.tcp, &d.udp)
	d.ip4Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4,
		&d.ip4, &d.tcp, &d.udp)
	d.ip6Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6,
		&d.ip6, &d.ext, &d.tcp, &d.udp)
	for _, p := range []*gopacket.DecodingLayerParser{d.ethParser, d.ip4Parser, d.ip6Parser} {
		// ICMP, ARP, fragments and the like stop decoding without error.
		p.IgnoreUnsupported = true
	}
	return d
}

// Decode decodes data captured with the given link type into pkt.
func (d *Decoder) Decode(link layers.LinkType, data []byte, pkt *flow.Packet) error {
	switch link {
	case layers.LinkTypeEthernet:
		return d.DecodeEthernet(data, pkt)
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return d.DecodeIP(data, pkt)
	default:
		return fmt.Errorf("unsupported link type %s", link)
	}
}

// DecodeEthernet decodes an Ethernet frame, optionally VLAN tagged.
func (d *Decoder) DecodeEthernet(data []byte, pkt *flow.Packet) error {
	err := d.ethParser.DecodeLayers(data, &d.decoded)
	return d.fill(err, pkt)
}

// DecodeIP decodes a bare IPv4 or IPv6 packet.
func (d *Decoder) DecodeIP(data []byte, pkt *flow.Packet) error {
	if len(data) == 0 {
		return ErrNotIP
	}
	var err error
	switch data[0] >> 4 {
	case 4:
		err = d.ip4Parser.DecodeLayers(data, &d.decoded)
	case 6:
		err = d.ip6Parser.DecodeLayers(data, &d.decoded)
	default:
		return ErrNotIP
	}
	return d.fill(err, pkt)
}

func (d *Decoder) fill(decodeErr error, pkt *flow.Packet) error {
	*pkt = flow.Packet{}
	var haveIP bool
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP = true
			pkt.ID.Src, _ = netip.AddrFromSlice(d.ip4.SrcIP.To4())
			pkt.ID.Dst, _ = netip.AddrFromSlice(d.ip4.DstIP.To4())
			pkt.ID.Proto = uint8(d.ip4.Protocol)
			pkt.Len = int(d.ip4.Length)
		case layers.LayerTypeIPv6:
			haveIP = true
			pkt.ID.Src, _ = netip.AddrFromSlice(d.ip6.SrcIP.To16())
			pkt.ID.Dst, _ = netip.AddrFromSlice(d.ip6.DstIP.To16())
			pkt.ID.Proto = uint8(d.ip6.NextHeader)
			pkt.Len = int(d.ip6.Length) + 40
		case layers.LayerTypeTCP:
			pkt.ID.Proto = flow.ProtoTCP
			pkt.ID.SrcPort = uint16(d.tcp.SrcPort)
			pkt.ID.DstPort = uint16(d.tcp.DstPort)
			pkt.Seq = d.tcp.Seq
			pkt.Ack = d.tcp.Ack
			pkt.Flags = tcpFlags(&d.tcp)
			pkt.Payload = len(d.tcp.Payload)
		case layers.LayerTypeUDP:
			pkt.ID.Proto = flow.ProtoUDP
			pkt.ID.SrcPort = uint16(d.udp.SrcPort)
			pkt.ID.DstPort = uint16(d.udp.DstPort)
		}
	}
	if !haveIP {
		if decodeErr != nil {
			return fmt.Errorf("decoding packet: %w", decodeErr)
		}
		return ErrNotIP
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding %s: %w", pkt.ID, decodeErr)
	}
	return nil
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	if t.FIN {
		f |= flow.FlagFIN
	}
	if t.SYN {
		f |= flow.FlagSYN
	}
	if t.RST {
		f |= flow.FlagRST
	}
	if t.PSH {
		f |= flow.FlagPSH
	}
	if t.ACK {
		f |= flow.FlagACK
	}
	return f
}
