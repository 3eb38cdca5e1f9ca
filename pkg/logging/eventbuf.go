// Package logging holds the recent-event ring of the dynamic state table,
// the refusal aggregator and remote syslog forwarding of daemon logs.
package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventInstall       = "SESSION_INSTALL"
	EventDeny          = "SESSION_DENY"
	EventReject        = "SESSION_REJECT"
	EventTableFull     = "TABLE_FULL"
	EventLimitExceeded = "LIMIT_EXCEEDED"
	EventRuleDeleted   = "RULE_DELETED"
	EventFlushed       = "TABLE_FLUSHED"
	EventDaemon        = "DAEMON" // a daemon warning or error
)

// EventRecord is a formatted event stored in the event buffer.
type EventRecord struct {
	Time     time.Time
	Type     string // EventInstall, EventTableFull, ...
	SrcAddr  string // "10.0.1.5:443"
	DstAddr  string
	Protocol string // "TCP", "UDP"
	Action   string // "permit", "deny", "reject"
	RuleID   uint32
	RuleGen  uint32
	Limit    uint32 // for LIMIT_EXCEEDED
	Entries  int    // table size when the event was recorded
	Removed  int    // for RULE_DELETED and TABLE_FLUSHED
	Severity int    // for DAEMON
	Message  string // for DAEMON
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int // number of events stored
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is left open for pending reads.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// A zero Time is set to now. Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Total returns the number of events ever added.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Rule     uint32 // 0 = no filter
	Type     string // exact match, case-insensitive
	Protocol string // case-insensitive substring match on Protocol
	Action   string // case-insensitive substring match on Action
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Rule == 0 && f.Type == "" && f.Protocol == "" && f.Action == ""
}

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Rule != 0 && rec.RuleID != f.Rule {
		return false
	}
	if f.Type != "" && !strings.EqualFold(rec.Type, f.Type) {
		return false
	}
	if f.Protocol != "" && !strings.Contains(strings.ToLower(rec.Protocol), strings.ToLower(f.Protocol)) {
		return false
	}
	if f.Action != "" && !strings.Contains(strings.ToLower(rec.Action), strings.ToLower(f.Action)) {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}
