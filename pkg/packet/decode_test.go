package packet

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/segment"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeEthernetTCP(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 22,
		Seq:     1000,
		Ack:     5000,
		SYN:     true,
		ACK:     true,
		Window:  1024,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	data := serialize(t,
		&layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, tcp, gopacket.Payload([]byte("hello")))

	var pkt flow.Packet
	if err := NewDecoder().Decode(layers.LinkTypeEthernet, data, &pkt); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := flow.ID{
		Proto:   flow.ProtoTCP,
		Src:     netip.MustParseAddr("10.0.0.1"),
		Dst:     netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000,
		DstPort: 22,
	}
	if pkt.ID != want {
		t.Errorf("ID = %v, want %v", pkt.ID, want)
	}
	if pkt.Flags != flow.FlagSYN|flow.FlagACK || pkt.Seq != 1000 || pkt.Ack != 5000 {
		t.Errorf("flags=%#x seq=%d ack=%d", pkt.Flags, pkt.Seq, pkt.Ack)
	}
	if pkt.Payload != 5 || pkt.Len != 20+20+5 {
		t.Errorf("payload=%d len=%d", pkt.Payload, pkt.Len)
	}
}

func TestDecodeVLANUDPv6(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::53"),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	data := serialize(t,
		&layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeDot1Q},
		&layers.Dot1Q{VLANIdentifier: 100, Type: layers.EthernetTypeIPv6},
		ip, udp, gopacket.Payload(make([]byte, 12)))

	var pkt flow.Packet
	if err := NewDecoder().DecodeEthernet(data, &pkt); err != nil {
		t.Fatalf("DecodeEthernet: %v", err)
	}
	if pkt.ID.Proto != flow.ProtoUDP || pkt.ID.SrcPort != 5353 || pkt.ID.DstPort != 53 {
		t.Errorf("ID = %v", pkt.ID)
	}
	if pkt.ID.Src != netip.MustParseAddr("2001:db8::1") || !pkt.ID.IsIPv6() {
		t.Errorf("src = %v", pkt.ID.Src)
	}
	if pkt.Len != 40+8+12 || pkt.Flags != 0 {
		t.Errorf("len=%d flags=%#x", pkt.Len, pkt.Flags)
	}
}

func TestDecodeRawIP(t *testing.T) {
	id := flow.ID{
		Proto:   flow.ProtoTCP,
		Src:     netip.MustParseAddr("192.0.2.1"),
		Dst:     netip.MustParseAddr("198.51.100.7"),
		SrcPort: 443,
		DstPort: 40000,
	}
	data, err := segment.Keepalive(id, 7, 9).Serialize()
	if err != nil {
		t.Fatal(err)
	}

	d := NewDecoder()
	var pkt flow.Packet
	if err := d.Decode(layers.LinkTypeRaw, data, &pkt); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.ID != id || pkt.Seq != 7 || pkt.Ack != 9 || pkt.Flags != flow.FlagACK {
		t.Errorf("pkt = %+v", pkt)
	}

	// The decoder is reused; stale fields must not leak into the next packet.
	id6 := id
	id6.Src = netip.MustParseAddr("2001:db8::1")
	id6.Dst = netip.MustParseAddr("2001:db8::2")
	data, err = segment.Segment{Flow: id6, Seq: 1, Flags: flow.FlagRST}.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DecodeIP(data, &pkt); err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	if pkt.ID != id6 || pkt.Flags != flow.FlagRST || pkt.Ack != 0 {
		t.Errorf("pkt = %+v", pkt)
	}
}

func TestDecodeICMP(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	data := serialize(t, ip,
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1})

	var pkt flow.Packet
	if err := NewDecoder().DecodeIP(data, &pkt); err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	if pkt.ID.Proto != flow.ProtoICMP || pkt.ID.SrcPort != 0 || pkt.ID.DstPort != 0 {
		t.Errorf("ID = %v", pkt.ID)
	}
}

func TestDecodeNotIP(t *testing.T) {
	arp := serialize(t,
		&layers.Ethernet{SrcMAC: srcMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   srcMAC,
			SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    []byte{10, 0, 0, 2},
		})

	d := NewDecoder()
	var pkt flow.Packet
	if err := d.DecodeEthernet(arp, &pkt); !errors.Is(err, ErrNotIP) {
		t.Errorf("ARP: err = %v, want ErrNotIP", err)
	}
	if err := d.DecodeIP([]byte{0x10, 0, 0}, &pkt); !errors.Is(err, ErrNotIP) {
		t.Errorf("garbage: err = %v", err)
	}
	if err := d.DecodeIP(nil, &pkt); !errors.Is(err, ErrNotIP) {
		t.Errorf("empty: err = %v", err)
	}
	if err := d.Decode(layers.LinkTypeNull, arp, &pkt); err == nil {
		t.Error("unsupported link type should fail")
	}
}

func TestDecodeTruncated(t *testing.T) {
	id := flow.ID{
		Proto:   flow.ProtoTCP,
		Src:     netip.MustParseAddr("192.0.2.1"),
		Dst:     netip.MustParseAddr("198.51.100.7"),
		SrcPort: 443,
		DstPort: 40000,
	}
	data, err := segment.Keepalive(id, 7, 9).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	var pkt flow.Packet
	if err := NewDecoder().DecodeIP(data[:30], &pkt); err == nil {
		t.Error("truncated packet should fail")
	}
}
