package flow

import (
	"net/netip"
	"strings"
)

// FieldMask selects the flow fields a limit rule aggregates on.
type FieldMask uint8

const (
	MaskSrcAddr FieldMask = 1 << iota
	MaskDstAddr
	MaskSrcPort
	MaskDstPort
)

var maskNames = []struct {
	bit  FieldMask
	name string
}{
	{MaskSrcAddr, "source-address"},
	{MaskDstAddr, "destination-address"},
	{MaskSrcPort, "source-port"},
	{MaskDstPort, "destination-port"},
}

// ParseMaskField returns the mask bit for a configuration keyword.
func ParseMaskField(name string) (FieldMask, bool) {
	for _, m := range maskNames {
		if m.name == name {
			return m.bit, true
		}
	}
	return 0, false
}

func (m FieldMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, n := range maskNames {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// Masked returns the partial flow that keeps only the fields selected by
// m. Protocol and routing domain are always kept so that parents never
// aggregate across protocols. Cleared addresses keep their family so
// IPv4 and IPv6 sessions do not share a parent.
func (id ID) Masked(m FieldMask) ID {
	out := ID{Proto: id.Proto, Domain: id.Domain}
	if m&MaskSrcAddr != 0 {
		out.Src = id.Src
	} else {
		out.Src = zeroOf(id.Src)
	}
	if m&MaskDstAddr != 0 {
		out.Dst = id.Dst
	} else {
		out.Dst = zeroOf(id.Dst)
	}
	if m&MaskSrcPort != 0 {
		out.SrcPort = id.SrcPort
	}
	if m&MaskDstPort != 0 {
		out.DstPort = id.DstPort
	}
	return out
}

func zeroOf(a netip.Addr) netip.Addr {
	if a.Is6() {
		return netip.IPv6Unspecified()
	}
	if a.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.Addr{}
}
