package flowexport

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// NetFlow v9 field types (RFC 3954 section 8).
const (
	fieldInBytes       = 1
	fieldInPkts        = 2
	fieldProtocol      = 4
	fieldL4SrcPort     = 7
	fieldIPv4SrcAddr   = 8
	fieldL4DstPort     = 11
	fieldIPv4DstAddr   = 12
	fieldLastSwitched  = 21
	fieldFirstSwitched = 22
	fieldOutBytes      = 23
	fieldOutPkts       = 24
	fieldIPv6SrcAddr   = 27
	fieldIPv6DstAddr   = 28
)

const (
	templateIDv4 = 256
	templateIDv6 = 257

	headerSize  = 20
	maxPayload  = 1400
	flowSetHdr  = 4
	netflowVers = 9
)

type templateField struct {
	typ, length uint16
}

var (
	templateV4 = []templateField{
		{fieldIPv4SrcAddr, 4},
		{fieldIPv4DstAddr, 4},
		{fieldL4SrcPort, 2},
		{fieldL4DstPort, 2},
		{fieldProtocol, 1},
		{fieldInPkts, 8},
		{fieldInBytes, 8},
		{fieldOutPkts, 8},
		{fieldOutBytes, 8},
		{fieldFirstSwitched, 4},
		{fieldLastSwitched, 4},
	}
	templateV6 = []templateField{
		{fieldIPv6SrcAddr, 16},
		{fieldIPv6DstAddr, 16},
		{fieldL4SrcPort, 2},
		{fieldL4DstPort, 2},
		{fieldProtocol, 1},
		{fieldInPkts, 8},
		{fieldInBytes, 8},
		{fieldOutPkts, 8},
		{fieldOutBytes, 8},
		{fieldFirstSwitched, 4},
		{fieldLastSwitched, 4},
	}

	recordSizeV4 = recordSize(templateV4)
	recordSizeV6 = recordSize(templateV6)
)

func recordSize(fields []templateField) int {
	n := 0
	for _, f := range fields {
		n += int(f.length)
	}
	return n
}

// FlowRecord is one exported session. Forward counters are reported as
// IN_*, reverse counters as OUT_*.
type FlowRecord struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Protocol         uint8
	PacketsFwd       uint64
	BytesFwd         uint64
	PacketsRev       uint64
	BytesRev         uint64
	StartTime        time.Time
	EndTime          time.Time
}

func (r *FlowRecord) isIPv6() bool {
	return !r.Src.Unmap().Is4()
}

type nfHeader struct {
	Count     uint16
	SysUptime uint32
	UnixSecs  uint32
	SeqNumber uint32
	SourceID  uint32
}

func encodeHeader(h nfHeader) []byte {
	b := make([]byte, headerSize)
	binary.BigEndian.PutUint16(b[0:], netflowVers)
	binary.BigEndian.PutUint16(b[2:], h.Count)
	binary.BigEndian.PutUint32(b[4:], h.SysUptime)
	binary.BigEndian.PutUint32(b[8:], h.UnixSecs)
	binary.BigEndian.PutUint32(b[12:], h.SeqNumber)
	binary.BigEndian.PutUint32(b[16:], h.SourceID)
	return b
}

// encodeTemplateFlowSet returns flowset 0 carrying both templates.
func encodeTemplateFlowSet() []byte {
	size := flowSetHdr + 4 + 4*len(templateV4) + 4 + 4*len(templateV6)
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b[0:], 0)
	binary.BigEndian.PutUint16(b[2:], uint16(size))
	off := flowSetHdr
	for _, tmpl := range []struct {
		id     uint16
		fields []templateField
	}{{templateIDv4, templateV4}, {templateIDv6, templateV6}} {
		binary.BigEndian.PutUint16(b[off:], tmpl.id)
		binary.BigEndian.PutUint16(b[off+2:], uint16(len(tmpl.fields)))
		off += 4
		for _, f := range tmpl.fields {
			binary.BigEndian.PutUint16(b[off:], f.typ)
			binary.BigEndian.PutUint16(b[off+2:], f.length)
			off += 4
		}
	}
	return b
}

// encodeDataFlowSet encodes records of a single address family, padded
// to a four byte boundary.
func encodeDataFlowSet(records []FlowRecord, boot time.Time) []byte {
	if len(records) == 0 {
		return nil
	}
	v6 := records[0].isIPv6()
	id, recSize := uint16(templateIDv4), recordSizeV4
	if v6 {
		id, recSize = templateIDv6, recordSizeV6
	}
	size := flowSetHdr + recSize*len(records)
	if pad := size % 4; pad != 0 {
		size += 4 - pad
	}
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b[0:], id)
	binary.BigEndian.PutUint16(b[2:], uint16(size))

	off := flowSetHdr
	for i := range records {
		r := &records[i]
		if v6 {
			src, dst := r.Src.As16(), r.Dst.As16()
			off += copy(b[off:], src[:])
			off += copy(b[off:], dst[:])
		} else {
			src, dst := r.Src.Unmap().As4(), r.Dst.Unmap().As4()
			off += copy(b[off:], src[:])
			off += copy(b[off:], dst[:])
		}
		binary.BigEndian.PutUint16(b[off:], r.SrcPort)
		binary.BigEndian.PutUint16(b[off+2:], r.DstPort)
		b[off+4] = r.Protocol
		off += 5
		binary.BigEndian.PutUint64(b[off:], r.PacketsFwd)
		binary.BigEndian.PutUint64(b[off+8:], r.BytesFwd)
		binary.BigEndian.PutUint64(b[off+16:], r.PacketsRev)
		binary.BigEndian.PutUint64(b[off+24:], r.BytesRev)
		off += 32
		binary.BigEndian.PutUint32(b[off:], uptimeMs(boot, r.StartTime))
		binary.BigEndian.PutUint32(b[off+4:], uptimeMs(boot, r.EndTime))
		off += 8
	}
	return b
}

// uptimeMs is t relative to boot in milliseconds, clamped at zero.
func uptimeMs(boot, t time.Time) uint32 {
	d := t.Sub(boot)
	if d < 0 {
		return 0
	}
	return uint32(d.Milliseconds())
}
