package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/psaab/dyntrack/pkg/conntrack"
	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/filter"
	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/logging"
	"github.com/psaab/dyntrack/pkg/rules"
)

// maxListLimit caps the page size of session and event listings.
const maxListLimit = 10000

// SessionQuery selects a page of sessions. Zero fields do not filter.
type SessionQuery struct {
	Limit    int
	Offset   int
	Protocol string // lowercase name as in flow.ProtoName
	Rule     uint32
}

// BuildStatus reports table and rule set status. The views built here are
// shared by the HTTP and gRPC transports.
func BuildStatus(e *filter.Engine, start time.Time) StatusResponse {
	tbl := e.Table()
	tun := tbl.Tunables()
	return StatusResponse{
		Uptime:          time.Since(start).Truncate(time.Second).String(),
		Entries:         tbl.Len(),
		MaxEntries:      tun.MaxEntries,
		Buckets:         tbl.Buckets(),
		RuleCount:       e.Rules().Len(),
		TableFullAction: e.TableFullAction(),
		Keepalive:       tun.Keepalive,
	}
}

// BuildSessions lists the sessions matching q.
func BuildSessions(e *filter.Engine, q SessionQuery) SessionListResponse {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}

	all := make([]SessionEntry, 0)
	idx := 0
	for _, sum := range e.Table().Snapshot() {
		if q.Protocol != "" && flow.ProtoName(sum.Flow.Proto) != q.Protocol {
			continue
		}
		if q.Rule != 0 && sum.Rule.ID != q.Rule {
			continue
		}
		if idx >= q.Offset && len(all) < q.Limit {
			all = append(all, NewSessionEntry(&sum))
		}
		idx++
	}

	return SessionListResponse{
		Total:    idx,
		Limit:    q.Limit,
		Offset:   q.Offset,
		Sessions: all,
	}
}

// BuildSummary aggregates the table. gc may be nil.
func BuildSummary(e *filter.Engine, gc *conntrack.GC) SessionSummary {
	tbl := e.Table()
	st := tbl.Stats()
	summary := SessionSummary{
		TotalEntries:  st.Entries,
		Sessions:      st.Sessions,
		LimitParents:  st.Parents,
		LimitChildren: st.Children,
		MaxEntries:    st.MaxEntries,
		Buckets:       st.Buckets,
		ByProtocol:    make(map[string]int),
		ByRule:        make(map[string]int),
		Lookups:       st.Lookups,
		Hits:          st.Hits,
		Installs:      st.Installs,
		TableFull:     st.TableFull,
		LimitExceeded: st.LimitExceeded,
		Expired:       st.Expired,
		RuleRemoved:   st.RuleRemoved,
		Keepalives:    st.Keepalives,
		Sweeps:        st.Sweeps,
	}

	for _, sum := range tbl.Snapshot() {
		if sum.Kind == dynstate.KindLimitParent {
			continue
		}
		if sum.Flow.IsIPv6() {
			summary.IPv6Sessions++
		} else {
			summary.IPv4Sessions++
		}
		if sum.StateName == "ESTABLISHED" {
			summary.Established++
		}
		summary.ByProtocol[flow.ProtoName(sum.Flow.Proto)]++
		summary.ByRule[strconv.FormatUint(uint64(sum.Rule.ID), 10)]++
	}

	if gc != nil {
		gs := gc.Stats()
		if !gs.LastSweep.IsZero() {
			summary.LastSweep = gs.LastSweep.Format(time.RFC3339)
		}
		summary.LastSweepDuration = gs.LastDuration.Seconds()
	}
	return summary
}

// BuildRules lists the installed rules in evaluation order.
func BuildRules(e *filter.Engine) []RuleEntry {
	list := e.Rules().List()
	result := make([]RuleEntry, len(list))
	for i := range list {
		result[i] = NewRuleEntry(&list[i])
	}
	return result
}

// BuildEvents returns up to limit recent events matching f, newest first.
func BuildEvents(e *filter.Engine, limit int, f logging.EventFilter) []EventEntry {
	events := e.Events()
	if events == nil {
		return []EventEntry{}
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var recs []logging.EventRecord
	if f.IsEmpty() {
		recs = events.Latest(limit)
	} else {
		recs = events.LatestFiltered(limit, f)
	}

	result := make([]EventEntry, len(recs))
	for i, ev := range recs {
		result[i] = NewEventEntry(ev)
	}
	return result
}

// DeleteRule removes rule id and its sessions. It reports the number of
// entries removed and whether the rule existed.
func DeleteRule(e *filter.Engine, id uint32) (int, bool) {
	before := e.Table().Len()
	if _, ok := e.Rules().Delete(id); !ok {
		return 0, false
	}
	return before - e.Table().Len(), true
}

// NewSessionEntry converts a table summary.
func NewSessionEntry(sum *dynstate.Summary) SessionEntry {
	e := SessionEntry{
		Protocol:  flow.ProtoName(sum.Flow.Proto),
		SrcAddr:   sum.Flow.Src.String(),
		SrcPort:   sum.Flow.SrcPort,
		DstAddr:   sum.Flow.Dst.String(),
		DstPort:   sum.Flow.DstPort,
		Rule:      sum.Rule.ID,
		RuleGen:   sum.Rule.Gen,
		Kind:      sum.Kind.String(),
		State:     sum.StateName,
		ExpiresIn: sum.ExpiresIn,
		Age:       sum.Age,
		Bucket:    sum.Bucket,
		Children:  sum.Children,
		FwdPkts:   sum.PacketsFwd,
		FwdBytes:  sum.BytesFwd,
		RevPkts:   sum.PacketsRev,
		RevBytes:  sum.BytesRev,
	}
	if sum.Parent != nil {
		e.Parent = sum.Parent.String()
	}
	return e
}

// NewRuleEntry converts an installed rule.
func NewRuleEntry(m *rules.Matched) RuleEntry {
	r := &m.Rule
	e := RuleEntry{
		ID:     r.ID,
		Gen:    m.Ref.Gen,
		Action: r.Action.String(),
	}
	if r.Protocol != 0 {
		e.Protocol = flow.ProtoName(r.Protocol)
	}
	for _, p := range r.Sources {
		e.Sources = append(e.Sources, p.String())
	}
	for _, p := range r.Destinations {
		e.Destinations = append(e.Destinations, p.String())
	}
	for _, pr := range r.DstPorts {
		if pr.Lo == pr.Hi {
			e.Ports = append(e.Ports, strconv.Itoa(int(pr.Lo)))
		} else {
			e.Ports = append(e.Ports, fmt.Sprintf("%d-%d", pr.Lo, pr.Hi))
		}
	}
	if r.Limit != nil {
		e.LimitCount = r.Limit.Max
		e.LimitFields = r.Limit.Mask.String()
	}
	return e
}

// NewEventEntry converts an event record.
func NewEventEntry(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:     rec.Time.Format(time.RFC3339),
		Type:     rec.Type,
		SrcAddr:  rec.SrcAddr,
		DstAddr:  rec.DstAddr,
		Protocol: rec.Protocol,
		Action:   rec.Action,
		Rule:     rec.RuleID,
		RuleGen:  rec.RuleGen,
		Limit:    rec.Limit,
		Entries:  rec.Entries,
		Removed:  rec.Removed,
		Message:  rec.Message,
	}
}
