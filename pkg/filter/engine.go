// Package filter runs packets through the dynamic state table and the
// static rule set and decides their fate.
package filter

import (
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/psaab/dyntrack/pkg/config"
	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/logging"
	"github.com/psaab/dyntrack/pkg/rules"
	"github.com/psaab/dyntrack/pkg/segment"
	"github.com/psaab/dyntrack/pkg/transmit"
)

// Verdict is the fate of a packet.
type Verdict uint8

const (
	VerdictPass Verdict = iota
	VerdictDrop
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictReject:
		return "reject"
	default:
		return "drop"
	}
}

// Result describes how a packet was handled.
type Result struct {
	Verdict Verdict
	// Dynamic is set when the packet matched an existing session.
	Dynamic   bool
	Rule      dynstate.RuleRef
	Direction flow.Direction
	// Reply is the reset sent back for a rejected TCP packet.
	Reply *segment.Segment
	Err   error
}

// Counters are the engine's packet counters.
type Counters struct {
	Packets       uint64
	Dynamic       uint64
	Passed        uint64
	Dropped       uint64
	Rejected      uint64
	NoMatch       uint64
	Installed     uint64
	TableFull     uint64
	LimitExceeded uint64
	ResetsSent    uint64
	ResetErrors   uint64
}

// Engine evaluates packets. Events and Tx may be nil.
type Engine struct {
	table  *dynstate.Table
	rules  *rules.Set
	events *logging.EventBuffer
	tx     transmit.Transmitter

	rejectOnFull atomic.Bool

	packets, dynamic, passed, dropped, rejected atomic.Uint64
	noMatch, installed, tableFull, limitExceeded atomic.Uint64
	resetsSent, resetErrors                      atomic.Uint64

	fullLog  rate.Sometimes
	limitLog rate.Sometimes
	txErrLog rate.Sometimes
}

// New creates an engine over table and rs. Rules deleted from rs, or
// replaced in it, take their sessions with them.
func New(table *dynstate.Table, rs *rules.Set, events *logging.EventBuffer, tx transmit.Transmitter) *Engine {
	e := &Engine{
		table:    table,
		rules:    rs,
		events:   events,
		tx:       tx,
		fullLog:  rate.Sometimes{Interval: time.Second},
		limitLog: rate.Sometimes{Interval: time.Second},
		txErrLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	rs.OnDelete(e.ruleDeleted)
	return e
}

// Table returns the state table.
func (e *Engine) Table() *dynstate.Table { return e.table }

// Rules returns the rule set.
func (e *Engine) Rules() *rules.Set { return e.rules }

// Events returns the event buffer, which may be nil.
func (e *Engine) Events() *logging.EventBuffer { return e.events }

// Flush removes every session.
func (e *Engine) Flush() int {
	n := e.table.Flush()
	slog.Info("dynamic state table flushed", "removed", n)
	if e.events != nil {
		e.events.Add(logging.EventRecord{Type: logging.EventFlushed, Removed: n})
	}
	return n
}

func (e *Engine) ruleDeleted(ref dynstate.RuleRef) {
	n := e.table.RemoveRule(ref)
	if n > 0 {
		slog.Info("dynamic state: removed sessions of deleted rule", "rule", ref.String(), "removed", n)
	}
	if e.events != nil {
		e.events.Add(logging.EventRecord{
			Type:    logging.EventRuleDeleted,
			RuleID:  ref.ID,
			RuleGen: ref.Gen,
			Removed: n,
			Entries: e.table.Len(),
		})
	}
}

// SetTableFullAction selects what happens to a keep-state packet that
// finds the table full: config.TableFullAllow passes it without state,
// config.TableFullReject refuses it.
func (e *Engine) SetTableFullAction(action string) {
	e.rejectOnFull.Store(action == config.TableFullReject)
}

// TableFullAction returns the current table-full policy.
func (e *Engine) TableFullAction() string {
	if e.rejectOnFull.Load() {
		return config.TableFullReject
	}
	return config.TableFullAllow
}

// Process evaluates pkt: existing sessions pass, otherwise the first
// matching rule decides. Packets matching no rule are dropped.
func (e *Engine) Process(pkt *flow.Packet) Result {
	e.packets.Add(1)

	if m, ok := e.table.Lookup(pkt); ok {
		e.dynamic.Add(1)
		e.passed.Add(1)
		return Result{Verdict: VerdictPass, Dynamic: true, Rule: m.Rule, Direction: m.Direction}
	}

	matched, ok := e.rules.Match(pkt)
	if !ok {
		e.noMatch.Add(1)
		e.dropped.Add(1)
		return Result{Verdict: VerdictDrop}
	}
	ref := matched.Ref
	res := Result{Rule: ref}

	switch matched.Rule.Action {
	case rules.ActionAccept:
		res.Verdict = VerdictPass
	case rules.ActionDeny:
		res.Verdict = VerdictDrop
		e.record(logging.EventDeny, pkt, ref, "deny", nil)
	case rules.ActionReject:
		e.reject(pkt, &res)
		e.record(logging.EventReject, pkt, ref, "reject", nil)
	default:
		e.install(pkt, &matched, &res)
	}

	switch res.Verdict {
	case VerdictPass:
		e.passed.Add(1)
	case VerdictReject:
		e.rejected.Add(1)
	default:
		e.dropped.Add(1)
	}
	return res
}

func (e *Engine) install(pkt *flow.Packet, matched *rules.Matched, res *Result) {
	ref := matched.Ref
	err := e.table.Install(pkt, ref, matched.Rule.Limit)
	res.Err = err

	var le *dynstate.LimitError
	switch {
	case err == nil:
		e.installed.Add(1)
		res.Verdict = VerdictPass
		e.record(logging.EventInstall, pkt, ref, "permit", nil)

	case errors.Is(err, dynstate.ErrTableFull):
		e.tableFull.Add(1)
		action := e.TableFullAction()
		e.fullLog.Do(func() {
			slog.Warn("dynamic state table full",
				"flow", pkt.ID.String(), "rule", ref.String(), "action", action)
		})
		if action == config.TableFullReject {
			e.reject(pkt, res)
			e.record(logging.EventTableFull, pkt, ref, "reject", nil)
		} else {
			res.Verdict = VerdictPass
			e.record(logging.EventTableFull, pkt, ref, "permit", nil)
		}

	case errors.As(err, &le):
		e.limitExceeded.Add(1)
		res.Verdict = VerdictDrop
		e.limitLog.Do(func() {
			slog.Warn("too many concurrent sessions",
				"flow", pkt.ID.String(), "rule", ref.String(), "limit", le.Limit)
		})
		e.record(logging.EventLimitExceeded, pkt, ref, "deny", le)

	default:
		// ErrClosed while shutting down.
		res.Verdict = VerdictDrop
	}
}

// reject sends a reset for TCP packets that are not resets themselves.
// Everything else is silently dropped.
func (e *Engine) reject(pkt *flow.Packet, res *Result) {
	res.Verdict = VerdictReject
	if pkt.ID.Proto != flow.ProtoTCP || pkt.HasFlag(flow.FlagRST) {
		return
	}
	rst := segment.Reset(pkt)
	res.Reply = &rst
	if e.tx == nil {
		return
	}
	if err := e.tx.Transmit(rst); err != nil {
		e.resetErrors.Add(1)
		e.txErrLog.Do(func() {
			slog.Warn("reset send failed", "segment", rst.String(), "err", err)
		})
		return
	}
	e.resetsSent.Add(1)
}

func (e *Engine) record(typ string, pkt *flow.Packet, ref dynstate.RuleRef, action string, le *dynstate.LimitError) {
	if e.events == nil {
		return
	}
	rec := logging.EventRecord{
		Type:     typ,
		SrcAddr:  netip.AddrPortFrom(pkt.ID.Src, pkt.ID.SrcPort).String(),
		DstAddr:  netip.AddrPortFrom(pkt.ID.Dst, pkt.ID.DstPort).String(),
		Protocol: strings.ToUpper(flow.ProtoName(pkt.ID.Proto)),
		Action:   action,
		RuleID:   ref.ID,
		RuleGen:  ref.Gen,
		Entries:  e.table.Len(),
	}
	if le != nil {
		rec.Limit = le.Limit
	}
	e.events.Add(rec)
}

// Counters returns a snapshot of the packet counters.
func (e *Engine) Counters() Counters {
	return Counters{
		Packets:       e.packets.Load(),
		Dynamic:       e.dynamic.Load(),
		Passed:        e.passed.Load(),
		Dropped:       e.dropped.Load(),
		Rejected:      e.rejected.Load(),
		NoMatch:       e.noMatch.Load(),
		Installed:     e.installed.Load(),
		TableFull:     e.tableFull.Load(),
		LimitExceeded: e.limitExceeded.Load(),
		ResetsSent:    e.resetsSent.Load(),
		ResetErrors:   e.resetErrors.Load(),
	}
}
