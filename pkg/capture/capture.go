// Package capture feeds packets from a live interface or a pcap file to
// the filter.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"golang.org/x/time/rate"

	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/packet"
)

// Source is a packet source. The data returned by ReadPacketData is only
// valid until the next call.
type Source interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
	Close() error
}

// Stats counts what a capture loop has seen.
type Stats struct {
	Packets uint64 // decoded and handed on
	NonIP   uint64
	Errors  uint64 // read or decode failures
}

// Capture reads a Source and hands every IP packet to a handler.
type Capture struct {
	name   string
	src    Source
	handle func(*flow.Packet)
	dec    *packet.Decoder

	packets, nonIP, errs atomic.Uint64
	errLog               rate.Sometimes
}

// New creates a capture loop over src. handle is called from the loop's
// goroutine and must not retain the packet.
func New(name string, src Source, handle func(*flow.Packet)) *Capture {
	return &Capture{
		name:   name,
		src:    src,
		handle: handle,
		dec:    packet.NewDecoder(),
		errLog: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Name returns the interface or file name.
func (c *Capture) Name() string { return c.name }

// Run reads until the source is exhausted or ctx is cancelled. The source
// is closed on return.
func (c *Capture) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.src.Close()
		case <-stop:
		}
	}()
	defer c.src.Close()

	link := c.src.LinkType()
	var pkt flow.Packet
	for {
		data, _, err := c.src.ReadPacketData()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			c.errs.Add(1)
			return fmt.Errorf("capture %s: %w", c.name, err)
		}
		if err := c.dec.Decode(link, data, &pkt); err != nil {
			if errors.Is(err, packet.ErrNotIP) {
				c.nonIP.Add(1)
				continue
			}
			c.errs.Add(1)
			c.errLog.Do(func() {
				slog.Debug("capture: undecodable packet", "source", c.name, "err", err)
			})
			continue
		}
		c.packets.Add(1)
		c.handle(&pkt)
	}
}

// Stats returns the loop's counters.
func (c *Capture) Stats() Stats {
	return Stats{
		Packets: c.packets.Load(),
		NonIP:   c.nonIP.Load(),
		Errors:  c.errs.Load(),
	}
}

// PcapFile is a Source replaying a pcap file.
type PcapFile struct {
	f *os.File
	r *pcapgo.Reader
}

// OpenPcap opens a pcap file for replay.
func OpenPcap(path string) (*PcapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &PcapFile{f: f, r: r}, nil
}

// ReadPacketData returns the next packet in the file.
func (p *PcapFile) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return p.r.ReadPacketData()
}

// LinkType returns the file's link type.
func (p *PcapFile) LinkType() layers.LinkType {
	return p.r.LinkType()
}

// Close closes the file.
func (p *PcapFile) Close() error {
	return p.f.Close()
}
