package capture

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/psaab/dyntrack/pkg/flow"
)

var (
	macA = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	macB = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func tcpFrame(t *testing.T, sport uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: 80, SYN: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts,
		&layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4},
		ip, tcp)
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{SrcMAC: macA, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   macA,
			SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    []byte{10, 0, 0, 2},
		})
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writePcap(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	ts := time.Unix(1700000000, 0)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestPcapReplay(t *testing.T) {
	truncated := tcpFrame(t, 3000)[:14+20+8]
	path := writePcap(t, tcpFrame(t, 1000), arpFrame(t), truncated, tcpFrame(t, 2000))

	src, err := OpenPcap(path)
	if err != nil {
		t.Fatalf("OpenPcap: %v", err)
	}
	if src.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("link type %v", src.LinkType())
	}

	var ports []uint16
	c := New(path, src, func(pkt *flow.Packet) {
		if pkt.ID.Proto != flow.ProtoTCP || !pkt.HasFlag(flow.FlagSYN) {
			t.Errorf("unexpected packet %+v", pkt)
		}
		ports = append(ports, pkt.ID.SrcPort)
	})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ports) != 2 || ports[0] != 1000 || ports[1] != 2000 {
		t.Errorf("ports = %v", ports)
	}
	st := c.Stats()
	if st.Packets != 2 || st.NonIP != 1 || st.Errors != 1 {
		t.Errorf("stats = %+v", st)
	}
	if c.Name() != path {
		t.Errorf("Name = %q", c.Name())
	}
}

func TestOpenPcapErrors(t *testing.T) {
	if _, err := OpenPcap(filepath.Join(t.TempDir(), "missing.pcap")); err == nil {
		t.Error("missing file should fail")
	}
	bad := filepath.Join(t.TempDir(), "bad.pcap")
	if err := os.WriteFile(bad, []byte("not a pcap file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenPcap(bad); err == nil {
		t.Error("bad header should fail")
	}
}

// blockingSource blocks in ReadPacketData until closed.
type blockingSource struct {
	closed chan struct{}
}

func (b *blockingSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	<-b.closed
	return nil, gopacket.CaptureInfo{}, os.ErrClosed
}

func (b *blockingSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (b *blockingSource) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &blockingSource{closed: make(chan struct{})}
	c := New("test", src, func(*flow.Packet) { t.Error("no packets expected") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// failingSource fails every read.
type failingSource struct{ blockingSource }

func (f *failingSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, errors.New("link down")
}

func TestRunReadError(t *testing.T) {
	src := &failingSource{blockingSource{closed: make(chan struct{})}}
	c := New("eth9", src, func(*flow.Packet) {})
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("Run should report the read error")
	}
	if c.Stats().Errors != 1 {
		t.Errorf("stats = %+v", c.Stats())
	}
}
