package flowexport

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/psaab/dyntrack/pkg/config"
	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/flow"
)

func TestBuildExportConfig(t *testing.T) {
	if BuildExportConfig(&config.FlowExportConfig{}) != nil {
		t.Error("expected nil without collectors")
	}
	ec := BuildExportConfig(&config.FlowExportConfig{
		Collectors: []*config.CollectorConfig{
			{Address: "10.0.0.1", Port: 2055, SourceAddress: "10.0.1.10"},
			{Address: "10.0.0.1", Port: 2055},
			{Address: "2001:db8::1", Port: 9995},
		},
		SamplingRate: 4,
	})
	if ec == nil {
		t.Fatal("expected non-nil ExportConfig")
	}
	if len(ec.Collectors) != 2 {
		t.Fatalf("collectors = %+v, want 2 after dedup", ec.Collectors)
	}
	if ec.Collectors[0].Address != "10.0.0.1:2055" || ec.Collectors[0].SourceAddress != "10.0.1.10" {
		t.Errorf("collector 0 = %+v", ec.Collectors[0])
	}
	if ec.Collectors[1].Address != "[2001:db8::1]:9995" {
		t.Errorf("collector 1 = %+v", ec.Collectors[1])
	}
	if ec.TemplateRefresh != config.DefaultTemplateRefresh*time.Second || ec.SamplingRate != 4 {
		t.Errorf("config = %+v", ec)
	}
}

func TestEncodeDataFlowSet(t *testing.T) {
	boot := time.Unix(1000, 0)
	recs := []FlowRecord{{
		Src:        netip.MustParseAddr("10.0.0.1"),
		Dst:        netip.MustParseAddr("10.0.0.2"),
		SrcPort:    40000,
		DstPort:    22,
		Protocol:   flow.ProtoTCP,
		PacketsFwd: 3,
		BytesFwd:   180,
		PacketsRev: 2,
		BytesRev:   120,
		StartTime:  boot.Add(2 * time.Second),
		EndTime:    boot.Add(5 * time.Second),
	}}
	b := encodeDataFlowSet(recs, boot)
	if len(b)%4 != 0 {
		t.Fatalf("flowset length %d not padded", len(b))
	}
	if id := binary.BigEndian.Uint16(b); id != templateIDv4 {
		t.Errorf("flowset id = %d", id)
	}
	if n := int(binary.BigEndian.Uint16(b[2:])); n != len(b) || n < flowSetHdr+recordSizeV4 {
		t.Errorf("flowset length = %d, buffer %d", n, len(b))
	}
	rec := b[flowSetHdr:]
	if netip.AddrFrom4([4]byte(rec[0:4])) != recs[0].Src {
		t.Errorf("src = %v", rec[0:4])
	}
	if p := binary.BigEndian.Uint16(rec[8:]); p != 40000 {
		t.Errorf("src port = %d", p)
	}
	if rec[12] != flow.ProtoTCP {
		t.Errorf("protocol = %d", rec[12])
	}
	if v := binary.BigEndian.Uint64(rec[13:]); v != 3 {
		t.Errorf("in pkts = %d", v)
	}
	if v := binary.BigEndian.Uint64(rec[37:]); v != 120 {
		t.Errorf("out bytes = %d", v)
	}
	if first, last := binary.BigEndian.Uint32(rec[45:]), binary.BigEndian.Uint32(rec[49:]); first != 2000 || last != 5000 {
		t.Errorf("switched = %d..%d", first, last)
	}
}

func TestEncodeTemplateFlowSet(t *testing.T) {
	b := encodeTemplateFlowSet()
	if binary.BigEndian.Uint16(b) != 0 || int(binary.BigEndian.Uint16(b[2:])) != len(b) {
		t.Fatalf("template header = %v", b[:4])
	}
	if id, n := binary.BigEndian.Uint16(b[4:]), binary.BigEndian.Uint16(b[6:]); id != templateIDv4 || int(n) != len(templateV4) {
		t.Errorf("v4 template = %d/%d", id, n)
	}
	off := 8 + 4*len(templateV4)
	if id := binary.BigEndian.Uint16(b[off:]); id != templateIDv6 {
		t.Errorf("v6 template id = %d", id)
	}
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func closed(src string, sport uint16) dynstate.Closed {
	return dynstate.Closed{
		Flow: flow.ID{
			Proto:   flow.ProtoUDP,
			Src:     netip.MustParseAddr(src),
			Dst:     netip.MustParseAddr("192.0.2.53"),
			SrcPort: sport,
			DstPort: 53,
		},
		Reason:     dynstate.ReasonExpired,
		Created:    10,
		Removed:    20,
		PacketsFwd: 1,
		BytesFwd:   80,
	}
}

func TestExporterSendsRecords(t *testing.T) {
	coll := listen(t)
	e, err := NewExporter(ExportConfig{
		Collectors:      []CollectorConfig{{Address: coll.LocalAddr().String()}},
		TemplateRefresh: time.Hour,
		FlushInterval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	tmpl := readPacket(t, coll)
	if v := binary.BigEndian.Uint16(tmpl); v != 9 {
		t.Fatalf("version = %d", v)
	}
	if binary.BigEndian.Uint16(tmpl[headerSize:]) != 0 {
		t.Fatal("first packet is not a template flowset")
	}

	e.Record(closed("198.51.100.1", 5353))
	e.Record(closed("2001:db8::1", 5353))

	seen := map[uint16]bool{}
	for len(seen) < 2 {
		pkt := readPacket(t, coll)
		if binary.BigEndian.Uint16(pkt[2:]) != 1 {
			t.Errorf("count = %d, want 1", binary.BigEndian.Uint16(pkt[2:]))
		}
		seen[binary.BigEndian.Uint16(pkt[headerSize:])] = true
	}
	if !seen[templateIDv4] || !seen[templateIDv6] {
		t.Errorf("flowsets = %v", seen)
	}
	if st := e.Stats(); st.Flows != 2 || st.Packets != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExporterSampling(t *testing.T) {
	e, err := NewExporter(ExportConfig{SamplingRate: 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := range 9 {
		e.Record(closed("198.51.100.1", uint16(1000+i)))
	}
	if st := e.Stats(); st.Sampled != 6 {
		t.Errorf("sampled = %d, want 6", st.Sampled)
	}
	if n := len(e.batchV4); n != 3 {
		t.Errorf("queued = %d, want 3", n)
	}
}
