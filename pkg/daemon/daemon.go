// Package daemon implements the dyntrackd lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/dyntrack/pkg/api"
	"github.com/psaab/dyntrack/pkg/capture"
	"github.com/psaab/dyntrack/pkg/config"
	"github.com/psaab/dyntrack/pkg/conntrack"
	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/filter"
	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/flowexport"
	"github.com/psaab/dyntrack/pkg/grpcapi"
	"github.com/psaab/dyntrack/pkg/logging"
	"github.com/psaab/dyntrack/pkg/rules"
	"github.com/psaab/dyntrack/pkg/transmit"
)

// DefaultConfigFile is read when Options.ConfigFile is empty.
const DefaultConfigFile = "/etc/dyntrack/dyntrack.conf"

// Options configures the daemon. Non-empty fields override the
// configuration file.
type Options struct {
	ConfigFile string
	APIAddr    string
	GRPCAddr   string
	PcapFile   string
	Interfaces []string
	NoTransmit bool // log keepalives and resets instead of sending them
	Version    string

	// LogTee, when set, is attached to the event ring and the syslog
	// forwarder so daemon warnings become events and logs reach syslog.
	LogTee *logging.LogTee
}

// Daemon is the main dyntrack daemon.
type Daemon struct {
	opts Options

	mu       sync.Mutex
	cfg      *config.Config
	captures []*capture.Capture

	table     *dynstate.Table
	rules     *rules.Set
	events    *logging.EventBuffer
	engine    *filter.Engine
	gc        *conntrack.GC
	tx        transmit.Transmitter
	forwarder logging.Forwarder
	syslog    []*logging.SyslogClient
	exporter  *flowexport.Exporter
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = DefaultConfigFile
	}
	return &Daemon{opts: opts}
}

// Engine returns the packet engine. It is nil before Init.
func (d *Daemon) Engine() *filter.Engine { return d.engine }

// GC returns the table sweeper. It is nil before Init.
func (d *Daemon) GC() *conntrack.GC { return d.gc }

// Exporter returns the NetFlow exporter, or nil when flow export is off.
func (d *Daemon) Exporter() *flowexport.Exporter { return d.exporter }

// Captures returns the running capture loops.
func (d *Daemon) Captures() []*capture.Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*capture.Capture(nil), d.captures...)
}

// Init loads the configuration and builds the table, rule set, engine and
// sweeper. Run calls it when it has not been called yet.
func (d *Daemon) Init() error {
	if d.engine != nil {
		return nil
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	d.cfg = cfg

	d.table = dynstate.New(cfg.DynamicState.Tunables)
	if ec := flowexport.BuildExportConfig(&cfg.System.FlowExport); ec != nil {
		exp, err := flowexport.NewExporter(*ec)
		if err != nil {
			return fmt.Errorf("flow export: %w", err)
		}
		d.exporter = exp
		d.table.OnRemove = exp.Record
		slog.Info("flow export enabled", "collectors", len(ec.Collectors))
	}
	d.rules = rules.NewSet()
	if err := d.applyRules(cfg); err != nil {
		return err
	}

	d.tx = d.openTransmitter(cfg)
	d.events = logging.NewEventBuffer(cfg.System.Events.BufferSize)
	d.engine = filter.New(d.table, d.rules, d.events, d.tx)
	d.engine.SetTableFullAction(cfg.DynamicState.TableFullAction)

	tun := d.table.Tunables()
	d.gc = conntrack.NewGC(d.table, d.tx, time.Duration(tun.KeepalivePeriod)*time.Second)
	d.gc.OnSweep = func(res dynstate.SweepResult) {
		if res.Reaped > 0 || len(res.Keepalives) > 0 {
			slog.Debug("dynamic state swept",
				"reaped", res.Reaped, "keepalives", len(res.Keepalives), "entries", res.Entries)
		}
	}

	d.applySyslogConfig(cfg)
	if d.opts.LogTee != nil {
		d.opts.LogTee.Attach(&d.forwarder, d.events)
	}
	return nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting dyntrack daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	if err := d.Init(); err != nil {
		return err
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { d.gc.Run(ctx) })
	if d.exporter != nil {
		goRun(func() { d.exporter.Run(ctx) })
	}
	goRun(func() { d.forwarder.Run(ctx, d.events.Subscribe(256)) })

	ev := d.cfg.System.Events
	agg := logging.NewRefusalAggregator(time.Duration(ev.AggregateInterval)*time.Second, ev.AggregateTop)
	if d.opts.LogTee == nil {
		// Otherwise the aggregate report reaches syslog through slog.
		agg.SetLogFunc(d.forwarder.SendMessage)
	}
	goRun(func() { agg.Run(ctx, d.events.Subscribe(256)) })

	if err := d.startCaptures(ctx, goRun); err != nil {
		stop()
		wg.Wait()
		d.shutdown()
		return err
	}

	apiCfg := d.cfg.System.API
	if addr := firstNonEmpty(d.opts.APIAddr, apiCfg.HTTPAddr); addr != "" {
		c := api.Config{
			Addr:     addr,
			Engine:     d.engine,
			GC:         d.gc,
			Captures:   d.Captures,
			FlowExport: d.exporter,
		}
		if apiCfg.AuthEnabled() {
			c.Auth = &api.AuthConfig{Users: apiCfg.Users, APIKeys: apiCfg.APIKeys}
		}
		srv := api.NewServer(c)
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("HTTP API server failed", "err", err)
			}
		})
	}
	if addr := firstNonEmpty(d.opts.GRPCAddr, apiCfg.GRPCAddr); addr != "" {
		srv := grpcapi.NewServer(addr, grpcapi.Config{
			Engine:  d.engine,
			GC:      d.gc,
			Version: d.opts.Version,
		})
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("gRPC server failed", "err", err)
			}
		})
	}

loop:
	for {
		select {
		case <-hup:
			if err := d.Reload(); err != nil {
				slog.Error("reload failed, keeping previous configuration", "err", err)
			}
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
			break loop
		}
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()
	d.shutdown()

	slog.Info("shutdown complete")
	return nil
}

// Reload rereads the configuration file and applies tunables, rules, the
// table-full action and syslog destinations. Sessions of unchanged rules
// survive. Capture and listener settings need a restart.
func (d *Daemon) Reload() error {
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}

	tun := d.table.Configure(cfg.DynamicState.Tunables)
	d.gc.SetInterval(time.Duration(tun.KeepalivePeriod) * time.Second)
	if err := d.applyRules(cfg); err != nil {
		return err
	}
	d.engine.SetTableFullAction(cfg.DynamicState.TableFullAction)
	d.applySyslogConfig(cfg)

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.mu.Unlock()

	if !sameCapture(&old.System, &cfg.System) {
		slog.Warn("capture or API settings changed, restart to apply")
	}
	if !sameFlowExport(&old.System.FlowExport, &cfg.System.FlowExport) {
		slog.Warn("flow-export settings changed, restart to apply")
	}
	slog.Info("configuration reloaded",
		"file", d.opts.ConfigFile,
		"rules", d.rules.Len(),
		"entries", d.table.Len())
	return nil
}

func (d *Daemon) loadConfig() (*config.Config, error) {
	cfg, _, err := config.LoadFile(d.opts.ConfigFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("config file not found, starting with defaults",
			"file", d.opts.ConfigFile)
		cfg = config.Default()
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", d.opts.ConfigFile, err)
	default:
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}
	for _, w := range cfg.Warnings {
		slog.Warn("config warning", "detail", w)
	}
	return cfg, nil
}

func (d *Daemon) applyRules(cfg *config.Config) error {
	rs := make([]rules.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rs = append(rs, rules.FromConfig(rc))
	}
	if err := d.rules.Replace(rs); err != nil {
		return fmt.Errorf("install rules: %w", err)
	}
	return nil
}

// openTransmitter opens raw sockets for keepalives and resets, falling
// back to logging them when sending is disabled or not permitted.
func (d *Daemon) openTransmitter(cfg *config.Config) transmit.Transmitter {
	if d.opts.NoTransmit || !cfg.System.Capture.Transmit || d.pcapFile(cfg) != "" {
		return transmit.Log(nil)
	}
	raw, err := transmit.OpenRaw()
	if err != nil {
		slog.Warn("cannot open raw sockets, keepalives and resets will not be sent",
			"err", err)
		return transmit.Log(nil)
	}
	return raw
}

func (d *Daemon) pcapFile(cfg *config.Config) string {
	return firstNonEmpty(d.opts.PcapFile, cfg.System.Capture.PcapFile)
}

// startCaptures opens every packet source and runs one capture loop per
// source. A pcap file takes precedence over interfaces.
func (d *Daemon) startCaptures(ctx context.Context, goRun func(func())) error {
	var srcs []struct {
		name string
		src  capture.Source
	}
	if path := d.pcapFile(d.cfg); path != "" {
		pf, err := capture.OpenPcap(path)
		if err != nil {
			return err
		}
		srcs = append(srcs, struct {
			name string
			src  capture.Source
		}{"pcap:" + path, pf})
	} else {
		ifaces := d.opts.Interfaces
		if len(ifaces) == 0 {
			ifaces = d.cfg.System.Capture.Interfaces
		}
		for _, name := range ifaces {
			ifc, err := capture.OpenInterface(name)
			if err != nil {
				for _, s := range srcs {
					s.src.Close()
				}
				return err
			}
			srcs = append(srcs, struct {
				name string
				src  capture.Source
			}{name, ifc})
		}
	}
	if len(srcs) == 0 {
		slog.Warn("no packet source configured, serving the API only")
		return nil
	}

	handle := func(pkt *flow.Packet) { d.engine.Process(pkt) }
	for _, s := range srcs {
		c := capture.New(s.name, s.src, handle)
		d.mu.Lock()
		d.captures = append(d.captures, c)
		d.mu.Unlock()
		goRun(func() {
			slog.Info("capture started", "source", c.Name())
			if err := c.Run(ctx); err != nil {
				slog.Error("capture failed", "source", c.Name(), "err", err)
			}
			st := c.Stats()
			slog.Info("capture stopped", "source", c.Name(),
				"packets", st.Packets, "non_ip", st.NonIP, "errors", st.Errors)
		})
	}
	return nil
}

// applySyslogConfig constructs syslog clients from the config and hands
// them to the forwarder, closing the ones they replace.
func (d *Daemon) applySyslogConfig(cfg *config.Config) {
	var clients []*logging.SyslogClient
	for _, h := range cfg.System.Syslog {
		client, err := logging.NewSyslogClient(h.Host, h.Port)
		if err != nil {
			slog.Warn("failed to create syslog client",
				"host", h.Host, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(h.Severity)
		client.Facility = logging.ParseFacility(h.Facility)
		slog.Info("syslog host configured",
			"host", h.Host, "port", h.Port, "severity", h.Severity)
		clients = append(clients, client)
	}

	d.forwarder.SetClients(clients)
	d.mu.Lock()
	old := d.syslog
	d.syslog = clients
	d.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

func (d *Daemon) shutdown() {
	removed := d.table.Len()
	d.table.Close()
	logFinalStats(d.engine, removed)
	if d.exporter != nil {
		// Sessions flushed by Close are still queued.
		d.exporter.Close()
		st := d.exporter.Stats()
		slog.Info("flow export stopped", "flows", st.Flows, "dropped", st.Dropped)
	}

	if c, ok := d.tx.(io.Closer); ok {
		c.Close()
	}
	if d.opts.LogTee != nil {
		d.opts.LogTee.Detach()
	}
	d.forwarder.SetClients(nil)
	d.mu.Lock()
	for _, c := range d.syslog {
		c.Close()
	}
	d.syslog = nil
	d.mu.Unlock()
}

// logFinalStats logs a counter summary before exit.
func logFinalStats(e *filter.Engine, entries int) {
	st := e.Table().Stats()
	ec := e.Counters()
	slog.Info("final statistics",
		"packets", ec.Packets,
		"dynamic", ec.Dynamic,
		"passed", ec.Passed,
		"dropped", ec.Dropped,
		"rejected", ec.Rejected,
		"installs", st.Installs,
		"table_full", st.TableFull,
		"limit_exceeded", st.LimitExceeded,
		"expired", st.Expired,
		"entries", entries)
}

func sameCapture(a, b *config.SystemConfig) bool {
	return a.Capture.PcapFile == b.Capture.PcapFile &&
		a.API.HTTPAddr == b.API.HTTPAddr &&
		a.API.GRPCAddr == b.API.GRPCAddr &&
		slices.Equal(a.Capture.Interfaces, b.Capture.Interfaces)
}

func sameFlowExport(a, b *config.FlowExportConfig) bool {
	if a.TemplateRefresh != b.TemplateRefresh || a.SamplingRate != b.SamplingRate {
		return false
	}
	return slices.EqualFunc(a.Collectors, b.Collectors, func(x, y *config.CollectorConfig) bool {
		return *x == *y
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
