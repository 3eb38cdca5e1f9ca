// Package segment synthesizes the TCP segments the state table emits:
// keepalive segments for sessions nearing expiry and RST replies.
package segment

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/psaab/dyntrack/pkg/flow"
)

const (
	defaultTTL    = 64
	defaultWindow = 0
)

// Segment is a TCP segment to be sent. Flow is oriented as sent: Src is
// the source address of the segment.
type Segment struct {
	Flow  flow.ID
	Seq   uint32
	Ack   uint32
	Flags uint8
}

// Keepalive returns an ACK keepalive from id.Src to id.Dst. The sequence
// number is one below what the peer expects, which forces it to answer
// with a duplicate ACK when the session is still alive.
func Keepalive(id flow.ID, seq, ack uint32) Segment {
	return Segment{
		Flow:  id,
		Seq:   seq,
		Ack:   ack,
		Flags: flow.FlagACK,
	}
}

// Reset returns the RST that refuses pkt. A segment carrying ACK is
// answered with a bare RST at its acknowledgment number; anything else
// gets RST|ACK acknowledging everything it occupied in sequence space.
func Reset(pkt *flow.Packet) Segment {
	s := Segment{Flow: pkt.ID.Reverse()}
	if pkt.HasFlag(flow.FlagACK) {
		s.Seq = pkt.Ack
		s.Flags = flow.FlagRST
		return s
	}
	ack := pkt.Seq + uint32(pkt.Payload)
	if pkt.HasFlag(flow.FlagSYN) {
		ack++
	}
	if pkt.HasFlag(flow.FlagFIN) {
		ack++
	}
	s.Ack = ack
	s.Flags = flow.FlagRST | flow.FlagACK
	return s
}

func (s Segment) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d flags=%s", s.Flow, s.Seq, s.Ack, FlagString(s.Flags))
}

// Serialize renders the segment as an IPv4 or IPv6 packet with lengths
// and checksums filled in.
func (s Segment) Serialize() ([]byte, error) {
	if !s.Flow.Src.IsValid() || !s.Flow.Dst.IsValid() {
		return nil, fmt.Errorf("segment %s: missing address", s.Flow)
	}
	src := s.Flow.Src.Unmap()
	dst := s.Flow.Dst.Unmap()
	if src.Is4() != dst.Is4() {
		return nil, fmt.Errorf("segment %s: mixed address families", s.Flow)
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.Flow.SrcPort),
		DstPort: layers.TCPPort(s.Flow.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		Window:  defaultWindow,
		FIN:     s.Flags&flow.FlagFIN != 0,
		SYN:     s.Flags&flow.FlagSYN != 0,
		RST:     s.Flags&flow.FlagRST != 0,
		PSH:     s.Flags&flow.FlagPSH != 0,
		ACK:     s.Flags&flow.FlagACK != 0,
	}

	var ip gopacket.SerializableLayer
	if src.Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      defaultTTL,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
			return nil, err
		}
		ip = ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   defaultTTL,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, err
		}
		ip = ip6
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", s.Flow, err)
	}
	return buf.Bytes(), nil
}

// FlagString renders TCP flags the way tcpdump does ("S.", "R", "F.").
func FlagString(f uint8) string {
	var b []byte
	if f&flow.FlagSYN != 0 {
		b = append(b, 'S')
	}
	if f&flow.FlagFIN != 0 {
		b = append(b, 'F')
	}
	if f&flow.FlagRST != 0 {
		b = append(b, 'R')
	}
	if f&flow.FlagPSH != 0 {
		b = append(b, 'P')
	}
	if f&flow.FlagACK != 0 {
		b = append(b, '.')
	}
	if len(b) == 0 {
		return "none"
	}
	return string(b)
}
