// Package flow defines the normalized flow identifier used to key the
// dynamic state table, and the symmetric bucket hash over it.
package flow

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers the table distinguishes.
const (
	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

// TCP control flags as they appear in the TCP header flags byte.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

// Direction tells whether a packet matched an entry in the orientation it
// was created with or in the reverse one.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// ID identifies a flow: protocol, both endpoints and an optional
// routing-domain tag. Src and Dst are either both IPv4 or both IPv6.
type ID struct {
	Proto   uint8
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Domain  uint16
}

// Reverse returns the flow as seen from the other end.
func (id ID) Reverse() ID {
	return ID{
		Proto:   id.Proto,
		Src:     id.Dst,
		Dst:     id.Src,
		SrcPort: id.DstPort,
		DstPort: id.SrcPort,
		Domain:  id.Domain,
	}
}

// IsIPv6 reports whether the flow carries IPv6 addresses.
func (id ID) IsIPv6() bool {
	return id.Src.Is6() && !id.Src.Is4In6()
}

// Match compares other against id in both orientations.
func (id ID) Match(other ID) (Direction, bool) {
	if id.Proto != other.Proto || id.Domain != other.Domain {
		return Forward, false
	}
	if id.SrcPort == other.SrcPort && id.DstPort == other.DstPort &&
		id.Src == other.Src && id.Dst == other.Dst {
		return Forward, true
	}
	if id.SrcPort == other.DstPort && id.DstPort == other.SrcPort &&
		id.Src == other.Dst && id.Dst == other.Src {
		return Reverse, true
	}
	return Forward, false
}

// Hash returns the bucket index of the flow in a table of the given size,
// which must be a power of two. Both orientations of a flow hash to the
// same bucket because every field pair is folded with XOR.
func (id ID) Hash(buckets uint32) uint32 {
	sh, sl := addrWords(id.Src)
	dh, dl := addrWords(id.Dst)
	h := sh ^ sl ^ dh ^ dl
	h ^= uint32(id.SrcPort) ^ uint32(id.DstPort)
	return h & (buckets - 1)
}

// addrWords returns the two 32-bit words an address contributes to the
// hash. IPv4 contributes its single word, IPv6 its low 64 bits.
func addrWords(a netip.Addr) (uint32, uint32) {
	switch {
	case a.Is4():
		b := a.As4()
		return be32(b[:]), 0
	case a.Is6():
		b := a.As16()
		return be32(b[8:12]), be32(b[12:16])
	default:
		return 0, 0
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (id ID) String() string {
	return fmt.Sprintf("%s %s -> %s", ProtoName(id.Proto),
		netip.AddrPortFrom(id.Src, id.SrcPort),
		netip.AddrPortFrom(id.Dst, id.DstPort))
}

// ProtoName returns a short lowercase protocol name.
func ProtoName(p uint8) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case ProtoICMPv6:
		return "icmp6"
	default:
		return fmt.Sprintf("%d", p)
	}
}

// ProtoNumber parses a protocol name or number. ok is false for unknown
// names.
func ProtoNumber(name string) (uint8, bool) {
	switch name {
	case "tcp":
		return ProtoTCP, true
	case "udp":
		return ProtoUDP, true
	case "icmp":
		return ProtoICMP, true
	case "icmp6", "icmpv6":
		return ProtoICMPv6, true
	}
	var n int
	if _, err := fmt.Sscanf(name, "%d", &n); err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return uint8(n), true
}

// Packet is the normalized view of a packet the parser hands to the
// table. Flags, Seq, Ack and Payload are only meaningful for TCP.
type Packet struct {
	ID      ID
	Flags   uint8
	Seq     uint32
	Ack     uint32
	Len     int // bytes on the wire from the IP header on
	Payload int // TCP payload bytes
}

// HasFlag reports whether all bits of f are set in the TCP flags.
func (p *Packet) HasFlag(f uint8) bool {
	return p.Flags&f == f
}
