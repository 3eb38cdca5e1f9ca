package flow

import (
	"net/netip"
	"testing"
)

func v4Flow(src, dst string, sport, dport uint16) ID {
	return ID{
		Proto:   ProtoTCP,
		Src:     netip.MustParseAddr(src),
		Dst:     netip.MustParseAddr(dst),
		SrcPort: sport,
		DstPort: dport,
	}
}

func TestHashSymmetric(t *testing.T) {
	flows := []ID{
		v4Flow("10.0.1.1", "10.0.2.1", 1000, 80),
		v4Flow("192.168.1.5", "8.8.8.8", 53124, 53),
		v4Flow("10.0.0.1", "10.0.0.1", 1, 1),
		{
			Proto:   ProtoUDP,
			Src:     netip.MustParseAddr("2001:db8::1"),
			Dst:     netip.MustParseAddr("2001:db8:ffff::2"),
			SrcPort: 5353,
			DstPort: 5353,
		},
		{
			Proto:   ProtoTCP,
			Src:     netip.MustParseAddr("fe80::1234:5678:9abc:def0"),
			Dst:     netip.MustParseAddr("2001:db8::dead:beef"),
			SrcPort: 40000,
			DstPort: 443,
			Domain:  3,
		},
	}
	for _, size := range []uint32{2, 256, 1024, 65536} {
		for _, f := range flows {
			if f.Hash(size) != f.Reverse().Hash(size) {
				t.Errorf("size %d: hash(%s)=%d != hash(reverse)=%d",
					size, f, f.Hash(size), f.Reverse().Hash(size))
			}
			if f.Hash(size) >= size {
				t.Errorf("size %d: hash %d out of range", size, f.Hash(size))
			}
		}
	}
}

func TestHashIPv6UsesLowBits(t *testing.T) {
	a := ID{
		Proto: ProtoTCP,
		Src:   netip.MustParseAddr("2001:db8:1::1"),
		Dst:   netip.MustParseAddr("2001:db8:2::2"),
	}
	b := a
	b.Src = netip.MustParseAddr("2001:db8:9999::1")
	if a.Hash(65536) != b.Hash(65536) {
		t.Fatal("upper 64 bits of IPv6 addresses must not affect the hash")
	}
}

func TestMatch(t *testing.T) {
	f := v4Flow("10.0.1.1", "10.0.2.1", 1000, 80)

	dir, ok := f.Match(f)
	if !ok || dir != Forward {
		t.Fatalf("forward match: got %v %v", dir, ok)
	}
	dir, ok = f.Match(f.Reverse())
	if !ok || dir != Reverse {
		t.Fatalf("reverse match: got %v %v", dir, ok)
	}

	other := f
	other.DstPort = 81
	if _, ok := f.Match(other); ok {
		t.Fatal("different port must not match")
	}
	other = f
	other.Proto = ProtoUDP
	if _, ok := f.Match(other); ok {
		t.Fatal("different protocol must not match")
	}
	other = f
	other.Domain = 7
	if _, ok := f.Match(other); ok {
		t.Fatal("different routing domain must not match")
	}
}

func TestMasked(t *testing.T) {
	f := v4Flow("10.0.1.1", "10.0.2.1", 1000, 80)

	m := f.Masked(MaskSrcAddr)
	if m.Src != f.Src {
		t.Errorf("src kept: got %s", m.Src)
	}
	if m.Dst != netip.IPv4Unspecified() || m.SrcPort != 0 || m.DstPort != 0 {
		t.Errorf("unmasked fields not cleared: %+v", m)
	}
	if m.Proto != ProtoTCP {
		t.Errorf("protocol must be kept, got %d", m.Proto)
	}

	g := v4Flow("10.0.1.1", "10.9.9.9", 2000, 443)
	if g.Masked(MaskSrcAddr) != m {
		t.Error("flows from the same source must collapse onto one partial flow")
	}
	if g.Masked(MaskSrcAddr|MaskDstPort) == f.Masked(MaskSrcAddr|MaskDstPort) {
		t.Error("different destination ports must not collapse when masked in")
	}
}

func TestMaskString(t *testing.T) {
	m := MaskSrcAddr | MaskDstPort
	if got := m.String(); got != "source-address,destination-port" {
		t.Errorf("got %q", got)
	}
	for _, n := range []string{"source-address", "destination-address", "source-port", "destination-port"} {
		if _, ok := ParseMaskField(n); !ok {
			t.Errorf("ParseMaskField(%q) failed", n)
		}
	}
	if _, ok := ParseMaskField("bogus"); ok {
		t.Error("ParseMaskField accepted bogus keyword")
	}
}

func TestProtoNumber(t *testing.T) {
	tests := []struct {
		in   string
		want uint8
		ok   bool
	}{
		{"tcp", ProtoTCP, true},
		{"udp", ProtoUDP, true},
		{"icmp", ProtoICMP, true},
		{"47", 47, true},
		{"300", 0, false},
		{"gre-ish", 0, false},
	}
	for _, tt := range tests {
		got, ok := ProtoNumber(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ProtoNumber(%q) = %d,%v want %d,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
