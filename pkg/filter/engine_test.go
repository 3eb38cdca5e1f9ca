package filter

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/psaab/dyntrack/pkg/config"
	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/logging"
	"github.com/psaab/dyntrack/pkg/rules"
	"github.com/psaab/dyntrack/pkg/segment"
	"github.com/psaab/dyntrack/pkg/transmit"
)

type testEnv struct {
	engine *Engine
	table  *dynstate.Table
	rules  *rules.Set
	events *logging.EventBuffer
	sent   []segment.Segment
	now    int64
}

func newEnv(t *testing.T, tun dynstate.Tunables, rs ...rules.Rule) *testEnv {
	t.Helper()
	env := &testEnv{
		table:  dynstate.New(tun),
		rules:  rules.NewSet(),
		events: logging.NewEventBuffer(64),
	}
	env.table.Now = func() int64 { return env.now }
	for _, r := range rs {
		if _, err := env.rules.Add(r); err != nil {
			t.Fatalf("Add rule %d: %v", r.ID, err)
		}
	}
	tx := transmit.Func(func(s segment.Segment) error {
		env.sent = append(env.sent, s)
		return nil
	})
	env.engine = New(env.table, env.rules, env.events, tx)
	return env
}

func tcp(src string, sport uint16, dst string, dport uint16, flags uint8) *flow.Packet {
	return &flow.Packet{
		ID: flow.ID{
			Proto:   flow.ProtoTCP,
			Src:     netip.MustParseAddr(src),
			Dst:     netip.MustParseAddr(dst),
			SrcPort: sport,
			DstPort: dport,
		},
		Flags: flags,
		Seq:   1000,
		Len:   40,
	}
}

func udpPkt(src string, sport uint16, dst string, dport uint16) *flow.Packet {
	p := tcp(src, sport, dst, dport, 0)
	p.ID.Proto = flow.ProtoUDP
	return p
}

func reverse(p *flow.Packet, flags uint8) *flow.Packet {
	r := *p
	r.ID = p.ID.Reverse()
	r.Flags = flags
	return &r
}

func TestKeepStateSession(t *testing.T) {
	env := newEnv(t, dynstate.DefaultTunables(),
		rules.Rule{ID: 100, Protocol: flow.ProtoTCP,
			DstPorts: []config.PortRange{{Lo: 22, Hi: 22}}, Action: rules.ActionKeepState})

	out := tcp("10.0.0.1", 40000, "10.0.0.2", 22, flow.FlagSYN)
	res := env.engine.Process(out)
	if res.Verdict != VerdictPass || res.Dynamic || res.Rule.ID != 100 {
		t.Fatalf("opening packet: %+v", res)
	}
	if env.table.Len() != 1 {
		t.Fatalf("table len = %d, want 1", env.table.Len())
	}

	// The reply matches no rule but belongs to the session.
	res = env.engine.Process(reverse(out, flow.FlagSYN|flow.FlagACK))
	if res.Verdict != VerdictPass || !res.Dynamic || res.Direction != flow.Reverse {
		t.Fatalf("reply: %+v", res)
	}

	// Unrelated traffic is dropped by default.
	res = env.engine.Process(tcp("10.0.0.3", 40000, "10.0.0.2", 80, flow.FlagSYN))
	if res.Verdict != VerdictDrop {
		t.Fatalf("unmatched: %+v", res)
	}

	c := env.engine.Counters()
	if c.Packets != 3 || c.Passed != 2 || c.Dropped != 1 || c.Dynamic != 1 || c.NoMatch != 1 || c.Installed != 1 {
		t.Errorf("counters = %+v", c)
	}
	ev := env.events.Latest(10)
	if len(ev) != 1 || ev[0].Type != logging.EventInstall || ev[0].SrcAddr != "10.0.0.1:40000" || ev[0].Protocol != "TCP" {
		t.Errorf("events = %+v", ev)
	}
}

func TestStatelessActions(t *testing.T) {
	env := newEnv(t, dynstate.DefaultTunables(),
		rules.Rule{ID: 10, Protocol: flow.ProtoUDP, Action: rules.ActionAccept},
		rules.Rule{ID: 20, DstPorts: []config.PortRange{{Lo: 23, Hi: 23}}, Action: rules.ActionReject},
		rules.Rule{ID: 30, Action: rules.ActionDeny})

	udp := udpPkt("10.0.0.1", 5353, "10.0.0.2", 53)
	if res := env.engine.Process(udp); res.Verdict != VerdictPass || res.Rule.ID != 10 {
		t.Errorf("accept: %+v", res)
	}
	if env.table.Len() != 0 {
		t.Error("accept must not install state")
	}

	telnet := tcp("10.0.0.1", 40000, "10.0.0.2", 23, flow.FlagSYN)
	res := env.engine.Process(telnet)
	if res.Verdict != VerdictReject || res.Reply == nil {
		t.Fatalf("reject: %+v", res)
	}
	if len(env.sent) != 1 || env.sent[0] != *res.Reply {
		t.Fatalf("sent = %v", env.sent)
	}
	if want := segment.Reset(telnet); *res.Reply != want {
		t.Errorf("reply = %v, want %v", res.Reply, want)
	}

	// A reset is never answered with a reset.
	res = env.engine.Process(tcp("10.0.0.1", 40001, "10.0.0.2", 23, flow.FlagRST))
	if res.Verdict != VerdictReject || res.Reply != nil || len(env.sent) != 1 {
		t.Errorf("reject of RST: %+v sent=%d", res, len(env.sent))
	}

	if res := env.engine.Process(tcp("10.0.0.1", 40000, "10.0.0.2", 80, flow.FlagSYN)); res.Verdict != VerdictDrop || res.Rule.ID != 30 {
		t.Errorf("deny: %+v", res)
	}

	c := env.engine.Counters()
	if c.Rejected != 2 || c.ResetsSent != 1 || c.Dropped != 1 || c.Passed != 1 {
		t.Errorf("counters = %+v", c)
	}
	if n := len(env.events.LatestFiltered(10, logging.EventFilter{Type: logging.EventReject})); n != 2 {
		t.Errorf("reject events = %d, want 2", n)
	}
}

func TestTableFullAction(t *testing.T) {
	tun := dynstate.DefaultTunables()
	tun.MaxEntries = 1
	env := newEnv(t, tun, rules.Rule{ID: 1, Protocol: flow.ProtoTCP, Action: rules.ActionKeepState})

	if res := env.engine.Process(tcp("10.0.0.1", 1000, "10.0.0.2", 80, flow.FlagSYN)); res.Verdict != VerdictPass {
		t.Fatalf("first: %+v", res)
	}

	// Default policy lets the packet through without state.
	res := env.engine.Process(tcp("10.0.0.1", 1001, "10.0.0.2", 80, flow.FlagSYN))
	if res.Verdict != VerdictPass || !errors.Is(res.Err, dynstate.ErrTableFull) {
		t.Fatalf("allow on full: %+v", res)
	}
	if env.table.Len() != 1 {
		t.Errorf("table len = %d", env.table.Len())
	}

	env.engine.SetTableFullAction(config.TableFullReject)
	if got := env.engine.TableFullAction(); got != config.TableFullReject {
		t.Fatalf("TableFullAction = %q", got)
	}
	res = env.engine.Process(tcp("10.0.0.1", 1002, "10.0.0.2", 80, flow.FlagSYN))
	if res.Verdict != VerdictReject || res.Reply == nil {
		t.Fatalf("reject on full: %+v", res)
	}

	c := env.engine.Counters()
	if c.TableFull != 2 || c.ResetsSent != 1 {
		t.Errorf("counters = %+v", c)
	}
	ev := env.events.LatestFiltered(10, logging.EventFilter{Type: logging.EventTableFull})
	if len(ev) != 2 || ev[0].Action != "reject" || ev[1].Action != "permit" {
		t.Errorf("table full events = %+v", ev)
	}
}

func TestLimitExceeded(t *testing.T) {
	env := newEnv(t, dynstate.DefaultTunables(), rules.Rule{
		ID:       7,
		Protocol: flow.ProtoTCP,
		Action:   rules.ActionLimit,
		Limit:    &dynstate.Limit{Max: 2, Mask: flow.MaskSrcAddr},
	})

	for port := uint16(1000); port < 1002; port++ {
		if res := env.engine.Process(tcp("10.0.0.1", port, "10.0.0.2", 80, flow.FlagSYN)); res.Verdict != VerdictPass {
			t.Fatalf("session %d: %+v", port, res)
		}
	}
	res := env.engine.Process(tcp("10.0.0.1", 1002, "10.0.0.2", 80, flow.FlagSYN))
	if res.Verdict != VerdictDrop || !errors.Is(res.Err, dynstate.ErrLimitExceeded) {
		t.Fatalf("third session: %+v", res)
	}

	// Another source has its own budget.
	if res := env.engine.Process(tcp("10.0.0.9", 1000, "10.0.0.2", 80, flow.FlagSYN)); res.Verdict != VerdictPass {
		t.Fatalf("other source: %+v", res)
	}

	ev := env.events.LatestFiltered(10, logging.EventFilter{Type: logging.EventLimitExceeded})
	if len(ev) != 1 || ev[0].Limit != 2 || ev[0].RuleID != 7 {
		t.Errorf("limit events = %+v", ev)
	}
	if c := env.engine.Counters(); c.LimitExceeded != 1 || c.Installed != 3 {
		t.Errorf("counters = %+v", c)
	}
}

func TestClosedTableDrops(t *testing.T) {
	env := newEnv(t, dynstate.DefaultTunables(), rules.Rule{ID: 1, Action: rules.ActionKeepState})
	env.table.Close()
	res := env.engine.Process(tcp("10.0.0.1", 1000, "10.0.0.2", 80, flow.FlagSYN))
	if res.Verdict != VerdictDrop || !errors.Is(res.Err, dynstate.ErrClosed) {
		t.Errorf("closed: %+v", res)
	}
}

func TestNilTransmitter(t *testing.T) {
	tbl := dynstate.New(dynstate.DefaultTunables())
	rs := rules.NewSet()
	rs.Add(rules.Rule{ID: 1, Action: rules.ActionReject})
	e := New(tbl, rs, nil, nil)
	res := e.Process(tcp("10.0.0.1", 1000, "10.0.0.2", 80, flow.FlagSYN))
	if res.Verdict != VerdictReject || res.Reply == nil {
		t.Errorf("reject without transmitter: %+v", res)
	}
	if c := e.Counters(); c.ResetsSent != 0 {
		t.Errorf("ResetsSent = %d", c.ResetsSent)
	}
}

func TestRuleDeleteRemovesSessions(t *testing.T) {
	env := newEnv(t, dynstate.DefaultTunables(),
		rules.Rule{ID: 1, Protocol: flow.ProtoTCP, Action: rules.ActionKeepState},
		rules.Rule{ID: 2, Protocol: flow.ProtoUDP, Action: rules.ActionKeepState})

	env.engine.Process(tcp("10.0.0.1", 1000, "10.0.0.2", 80, flow.FlagSYN))
	env.engine.Process(tcp("10.0.0.1", 1001, "10.0.0.2", 80, flow.FlagSYN))
	udp := udpPkt("10.0.0.1", 5353, "10.0.0.2", 53)
	env.engine.Process(udp)
	if env.table.Len() != 3 {
		t.Fatalf("table len = %d, want 3", env.table.Len())
	}

	// Replacing rule 1 retires the sessions of its old generation.
	if _, err := env.engine.Rules().Add(rules.Rule{ID: 1, Protocol: flow.ProtoTCP, Action: rules.ActionAccept}); err != nil {
		t.Fatal(err)
	}
	if env.table.Len() != 1 {
		t.Fatalf("after replace: table len = %d, want 1", env.table.Len())
	}
	ev := env.events.LatestFiltered(1, logging.EventFilter{Type: logging.EventRuleDeleted})
	if len(ev) != 1 || ev[0].RuleID != 1 || ev[0].Removed != 2 || ev[0].Entries != 1 {
		t.Errorf("rule deleted event = %+v", ev)
	}

	if n := env.engine.Flush(); n != 1 || env.table.Len() != 0 {
		t.Errorf("Flush = %d, len %d", n, env.table.Len())
	}
	ev = env.events.Latest(1)
	if len(ev) != 1 || ev[0].Type != logging.EventFlushed || ev[0].Removed != 1 {
		t.Errorf("flush event = %+v", ev)
	}
}
