package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// RefusalAggregator counts refused session installs (table full, limit
// exceeded) and periodically reports the top sources and rules.
type RefusalAggregator struct {
	mu    sync.Mutex
	srcs  map[string]uint64 // srcIP -> refusals
	rules map[string]uint64 // "id.gen" -> refusals

	flushInterval time.Duration
	topN          int
	logFn         func(severity int, msg string) // where to send aggregate reports
}

// AggregateEntry is a single top-N entry returned by Flush.
type AggregateEntry struct {
	Key      string
	Refusals uint64
}

// NewRefusalAggregator creates a new aggregator.
// flushInterval controls how often top-N stats are emitted (default 5min).
// topN controls how many entries per category (default 10).
func NewRefusalAggregator(flushInterval time.Duration, topN int) *RefusalAggregator {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Minute
	}
	if topN <= 0 {
		topN = 10
	}
	return &RefusalAggregator{
		srcs:          make(map[string]uint64),
		rules:         make(map[string]uint64),
		flushInterval: flushInterval,
		topN:          topN,
	}
}

// SetLogFunc sets the function used to emit aggregate log lines.
func (ra *RefusalAggregator) SetLogFunc(fn func(severity int, msg string)) {
	ra.mu.Lock()
	ra.logFn = fn
	ra.mu.Unlock()
}

// Add records an event. Only TABLE_FULL and LIMIT_EXCEEDED count.
func (ra *RefusalAggregator) Add(rec EventRecord) {
	if rec.Type != EventTableFull && rec.Type != EventLimitExceeded {
		return
	}
	srcIP := hostOf(rec.SrcAddr)
	rule := fmt.Sprintf("%d.%d", rec.RuleID, rec.RuleGen)

	ra.mu.Lock()
	ra.srcs[srcIP]++
	ra.rules[rule]++
	ra.mu.Unlock()
}

// Flush returns the top-N sources and rules by refusals, then resets
// counters.
func (ra *RefusalAggregator) Flush() (topSrc, topRule []AggregateEntry) {
	ra.mu.Lock()
	srcs := ra.srcs
	rules := ra.rules
	ra.srcs = make(map[string]uint64)
	ra.rules = make(map[string]uint64)
	ra.mu.Unlock()

	return topEntries(srcs, ra.topN), topEntries(rules, ra.topN)
}

// Run flushes and logs every interval and feeds the aggregator from sub
// when non-nil. Blocks until ctx is cancelled.
func (ra *RefusalAggregator) Run(ctx context.Context, sub *Subscription) {
	ticker := time.NewTicker(ra.flushInterval)
	defer ticker.Stop()

	var events <-chan EventRecord
	if sub != nil {
		defer sub.Close()
		events = sub.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-events:
			ra.Add(rec)
		case <-ticker.C:
			ra.flushAndLog()
		}
	}
}

func (ra *RefusalAggregator) flushAndLog() {
	topSrc, topRule := ra.Flush()

	if len(topSrc) == 0 && len(topRule) == 0 {
		return
	}

	ra.mu.Lock()
	logFn := ra.logFn
	ra.mu.Unlock()

	for _, e := range topSrc {
		msg := fmt.Sprintf("DYNSTATE_REFUSAL_AGGREGATE top-source=%q refusals=%d", e.Key, e.Refusals)
		if logFn != nil {
			logFn(SyslogWarning, msg)
		}
		slog.Warn(msg)
	}
	for _, e := range topRule {
		msg := fmt.Sprintf("DYNSTATE_REFUSAL_AGGREGATE top-rule=%q refusals=%d", e.Key, e.Refusals)
		if logFn != nil {
			logFn(SyslogWarning, msg)
		}
		slog.Warn(msg)
	}
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func topEntries(m map[string]uint64, n int) []AggregateEntry {
	if len(m) == 0 {
		return nil
	}
	entries := make([]AggregateEntry, 0, len(m))
	for k, v := range m {
		entries = append(entries, AggregateEntry{Key: k, Refusals: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Refusals != entries[j].Refusals {
			return entries[i].Refusals > entries[j].Refusals
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
