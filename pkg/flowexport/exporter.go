// Package flowexport sends a NetFlow v9 record for every session that
// leaves the dynamic state table.
package flowexport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/dyntrack/pkg/config"
	"github.com/psaab/dyntrack/pkg/dynstate"
)

// maxQueued bounds the records waiting for the next flush; Record drops
// beyond it.
const maxQueued = 65536

// ExportConfig holds the resolved NetFlow export configuration.
type ExportConfig struct {
	Collectors      []CollectorConfig
	TemplateRefresh time.Duration
	SamplingRate    int // 1-in-N sampling (0 = export all)
	FlushInterval   time.Duration
}

// CollectorConfig defines a single NetFlow collector destination.
type CollectorConfig struct {
	Address       string // "host:port"
	SourceAddress string // local bind address (empty = auto)
}

// BuildExportConfig resolves the flow-export configuration.
// Returns nil if no collectors are configured.
func BuildExportConfig(fe *config.FlowExportConfig) *ExportConfig {
	if fe == nil || len(fe.Collectors) == 0 {
		return nil
	}
	ec := &ExportConfig{
		TemplateRefresh: time.Duration(fe.TemplateRefresh) * time.Second,
		SamplingRate:    fe.SamplingRate,
		FlushInterval:   100 * time.Millisecond,
	}
	if ec.TemplateRefresh <= 0 {
		ec.TemplateRefresh = config.DefaultTemplateRefresh * time.Second
	}

	seen := make(map[string]bool)
	for _, c := range fe.Collectors {
		addr := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
		if seen[addr] {
			continue
		}
		seen[addr] = true
		ec.Collectors = append(ec.Collectors, CollectorConfig{
			Address:       addr,
			SourceAddress: c.SourceAddress,
		})
	}
	return ec
}

// Stats are exporter counters.
type Stats struct {
	Flows      uint64 // records sent
	Packets    uint64 // data packets sent
	Sampled    uint64 // sessions skipped by sampling
	Dropped    uint64 // records lost to a full queue
	SendErrors uint64
}

// Exporter sends NetFlow v9 packets to configured collectors.
type Exporter struct {
	cfg      ExportConfig
	bootTime time.Time
	sourceID uint32

	mu    sync.Mutex
	seq   uint32
	conns []net.Conn

	batchMu sync.Mutex
	batchV4 []FlowRecord
	batchV6 []FlowRecord

	sampleCounter atomic.Uint64
	exportedFlows atomic.Uint64
	exportedPkts  atomic.Uint64
	sampled       atomic.Uint64
	dropped       atomic.Uint64
	sendErrors    atomic.Uint64
}

// NewExporter dials every collector.
func NewExporter(cfg ExportConfig) (*Exporter, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.TemplateRefresh <= 0 {
		cfg.TemplateRefresh = config.DefaultTemplateRefresh * time.Second
	}
	e := &Exporter{
		cfg:      cfg,
		bootTime: time.Now(),
		sourceID: 1,
	}

	for _, cc := range cfg.Collectors {
		var conn net.Conn
		var err error
		if cc.SourceAddress != "" {
			laddr := &net.UDPAddr{IP: net.ParseIP(cc.SourceAddress)}
			raddr, rerr := net.ResolveUDPAddr("udp", cc.Address)
			if rerr != nil {
				e.Close()
				return nil, fmt.Errorf("resolve collector %s: %w", cc.Address, rerr)
			}
			conn, err = net.DialUDP("udp", laddr, raddr)
		} else {
			conn, err = net.Dial("udp", cc.Address)
		}
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("dial collector %s: %w", cc.Address, err)
		}
		e.conns = append(e.conns, conn)
	}
	return e, nil
}

// Run sends templates and flushes queued records until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	e.sendTemplates()

	templateTicker := time.NewTicker(e.cfg.TemplateRefresh)
	defer templateTicker.Stop()

	batchTicker := time.NewTicker(e.cfg.FlushInterval)
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flushBatches()
			return
		case <-templateTicker.C:
			e.sendTemplates()
		case <-batchTicker.C:
			e.flushBatches()
		}
	}
}

// Record queues c for export. It never blocks and is safe to use as
// dynstate.Table.OnRemove.
func (e *Exporter) Record(c dynstate.Closed) {
	if e.cfg.SamplingRate > 1 {
		if n := e.sampleCounter.Add(1); n%uint64(e.cfg.SamplingRate) != 0 {
			e.sampled.Add(1)
			return
		}
	}

	end := time.Now()
	fr := FlowRecord{
		Src:        c.Flow.Src,
		Dst:        c.Flow.Dst,
		SrcPort:    c.Flow.SrcPort,
		DstPort:    c.Flow.DstPort,
		Protocol:   c.Flow.Proto,
		PacketsFwd: c.PacketsFwd,
		BytesFwd:   c.BytesFwd,
		PacketsRev: c.PacketsRev,
		BytesRev:   c.BytesRev,
		StartTime:  end.Add(-time.Duration(c.Removed-c.Created) * time.Second),
		EndTime:    end,
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	if len(e.batchV4)+len(e.batchV6) >= maxQueued {
		e.dropped.Add(1)
		return
	}
	if fr.isIPv6() {
		e.batchV6 = append(e.batchV6, fr)
	} else {
		e.batchV4 = append(e.batchV4, fr)
	}
}

// Stats returns export statistics.
func (e *Exporter) Stats() Stats {
	return Stats{
		Flows:      e.exportedFlows.Load(),
		Packets:    e.exportedPkts.Load(),
		Sampled:    e.sampled.Load(),
		Dropped:    e.dropped.Load(),
		SendErrors: e.sendErrors.Load(),
	}
}

// Close sends queued records and shuts down all collector connections.
func (e *Exporter) Close() {
	e.flushBatches()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		c.Close()
	}
	e.conns = nil
}

func (e *Exporter) nextSeq() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.seq
	e.seq++
	return seq
}

func (e *Exporter) send(count uint16, flowSet []byte) {
	now := time.Now()
	hdr := nfHeader{
		Count:     count,
		SysUptime: uptimeMs(e.bootTime, now),
		UnixSecs:  uint32(now.Unix()),
		SeqNumber: e.nextSeq(),
		SourceID:  e.sourceID,
	}
	pkt := append(encodeHeader(hdr), flowSet...)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		if _, err := c.Write(pkt); err != nil {
			e.sendErrors.Add(1)
			slog.Debug("netflow send failed", "collector", c.RemoteAddr().String(), "err", err)
		}
	}
}

func (e *Exporter) sendTemplates() {
	e.send(2, encodeTemplateFlowSet())
}

func (e *Exporter) flushBatches() {
	e.batchMu.Lock()
	v4 := e.batchV4
	v6 := e.batchV6
	e.batchV4 = nil
	e.batchV6 = nil
	e.batchMu.Unlock()

	e.sendRecords(v4, recordSizeV4)
	e.sendRecords(v6, recordSizeV6)
}

func (e *Exporter) sendRecords(records []FlowRecord, recSize int) {
	if len(records) == 0 {
		return
	}
	maxRecords := (maxPayload - headerSize - flowSetHdr) / recSize
	for i := 0; i < len(records); i += maxRecords {
		batch := records[i:min(i+maxRecords, len(records))]
		e.exportedFlows.Add(uint64(len(batch)))
		e.exportedPkts.Add(1)
		e.send(uint16(len(batch)), encodeDataFlowSet(batch, e.bootTime))
	}
}
