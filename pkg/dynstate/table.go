// Package dynstate implements the dynamic connection-state table of the
// packet filter: the set of sessions a static rule allowed to open, keyed
// by their bidirectional flow and expired by per-protocol lifetimes.
//
// All state lives in one Table guarded by a single mutex. Entries are kept
// in an index-stable arena; every bucket is a doubly-linked chain of arena
// indices, so lookups can unlink expired entries while they scan.
package dynstate

import (
	"log/slog"
	"sync"

	"github.com/psaab/dyntrack/pkg/flow"
)

// Table is the dynamic state table.
type Table struct {
	// Now returns the current time in seconds. Defaults to
	// MonotonicSeconds; tests replace it with a fake clock.
	Now func() int64

	// OnRemove, when set, is called with the table locked for every
	// session entry that leaves the table. It must not block or call
	// back into the table. Set it before the table is shared.
	OnRemove func(Closed)

	mu          sync.Mutex
	tun         Tunables
	slots       []entry
	free        []int32
	heads       []int32
	wantBuckets uint32
	count       int
	kinds       [numKinds]int
	lastReap    int64
	closed      bool
	ctr         counters
}

type counters struct {
	lookups       uint64
	hits          uint64
	installs      uint64
	tableFull     uint64
	limitExceeded uint64
	expired       uint64
	ruleRemoved   uint64
	keepalives    uint64
	sweeps        uint64
	orphans       uint64
}

// New creates a table configured with t. Invalid tunables are replaced by
// their defaults.
func New(t Tunables) *Table {
	tun, warnings := t.Normalize(DefaultTunables())
	for _, w := range warnings {
		slog.Warn("dynamic state: invalid tunable", "detail", w)
	}
	tbl := &Table{
		Now:         MonotonicSeconds,
		tun:         tun,
		wantBuckets: tun.Buckets,
		lastReap:    -1,
	}
	tbl.realloc(tun.Buckets)
	return tbl
}

// Tunables returns the configuration in effect.
func (t *Table) Tunables() Tunables {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tun
}

// Configure applies new tunables. Invalid values keep the previous ones
// and are logged; a bucket count change takes effect immediately when the
// table is empty and otherwise on the next insert into an empty table.
// It returns the tunables in effect, whose Buckets is the count in use
// rather than a pending one.
func (t *Table) Configure(nt Tunables) Tunables {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.tun
	prev.Buckets = t.wantBuckets
	tun, warnings := nt.Normalize(prev)
	for _, w := range warnings {
		slog.Warn("dynamic state: invalid tunable", "detail", w)
	}
	t.wantBuckets = tun.Buckets
	tun.Buckets = uint32(len(t.heads))
	t.tun = tun
	if t.count == 0 && t.wantBuckets != uint32(len(t.heads)) {
		t.realloc(t.wantBuckets)
	}
	return t.tun
}

// Resize changes the bucket count. The table must be empty; otherwise the
// current count is kept (and the new one is applied once the table
// drains). An invalid count is ignored. Returns the bucket count in effect.
func (t *Table) Resize(n uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := uint32(len(t.heads))
	if !ValidBuckets(n) {
		slog.Warn("dynamic state: ignoring invalid bucket count",
			"requested", n, "buckets", cur)
		return cur
	}
	t.wantBuckets = n
	if t.count != 0 {
		slog.Debug("dynamic state: resize deferred until table is empty",
			"requested", n, "buckets", cur, "entries", t.count)
		return cur
	}
	t.realloc(n)
	return n
}

// Buckets returns the current bucket count.
func (t *Table) Buckets() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.heads))
}

// Len returns the number of live entries, limit parents included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// realloc replaces the bucket array. Only valid while count == 0.
func (t *Table) realloc(n uint32) {
	heads := make([]int32, n)
	for i := range heads {
		heads[i] = nilIndex
	}
	t.heads = heads
	t.tun.Buckets = n
	t.slots = t.slots[:0]
	t.free = t.free[:0]
}

// Lookup finds the entry tracking pkt's flow in either direction. Expired
// entries met on the way are removed. On a hit the protocol state and the
// expiry of the entry are updated from pkt.
func (t *Table) Lookup(pkt *flow.Packet) (Match, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ctr.lookups++
	if t.count == 0 {
		return Match{}, false
	}
	now := t.Now()
	idx, dir := t.find(pkt.ID, now)
	if idx == nilIndex {
		return Match{}, false
	}
	t.ctr.hits++
	e := &t.slots[idx]
	t.update(e, dir, pkt, now)
	return Match{Direction: dir, Rule: e.rule, Kind: e.kind}, true
}

// Install starts tracking pkt's flow on behalf of rule. With a non-nil
// limit the session is admitted only while fewer than limit.Max sessions
// share the masked fields. A flow that is already tracked is refreshed
// and Install succeeds without creating anything.
func (t *Table) Install(pkt *flow.Packet, rule RuleRef, limit *Limit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	now := t.Now()
	if idx, dir := t.find(pkt.ID, now); idx != nilIndex {
		t.update(&t.slots[idx], dir, pkt, now)
		return nil
	}

	var (
		idx int32
		err error
	)
	if limit == nil {
		idx, err = t.insert(pkt.ID, KindBidir, rule, nilIndex, now)
	} else {
		idx, err = t.installLimited(pkt.ID, rule, *limit, now)
	}
	if err != nil {
		return err
	}
	t.ctr.installs++
	t.update(&t.slots[idx], flow.Forward, pkt, now)
	return nil
}

// RemoveRule deletes every entry created by rule, limit parents included
// regardless of their child count. Returns the number of entries removed.
func (t *Table) RemoveRule(rule RuleRef) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.Now()
	n := 0
	for i := range t.slots {
		e := &t.slots[i]
		if e.live && e.kind != KindLimitParent && e.rule == rule {
			t.remove(int32(i), ReasonRuleRemoved, now)
			n++
		}
	}
	for i := range t.slots {
		e := &t.slots[i]
		if e.live && e.kind == KindLimitParent && e.rule == rule {
			if e.children != 0 {
				// Children of this parent carry the same rule and are
				// gone already; anything left is an orphaned count.
				slog.Error("dynamic state: limit parent still counts children after cascade",
					"rule", rule, "flow", e.flow, "children", e.children)
				e.children = 0
			}
			t.remove(int32(i), ReasonRuleRemoved, now)
			n++
		}
	}
	t.ctr.ruleRemoved += uint64(n)
	if n > 0 {
		slog.Debug("dynamic state: removed entries of deleted rule",
			"rule", rule, "removed", n, "remaining", t.count)
	}
	return n
}

// Flush removes every entry.
func (t *Table) Flush() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Table) flushLocked() int {
	if t.OnRemove != nil {
		now := t.Now()
		for i := range t.slots {
			if e := &t.slots[i]; e.live && e.kind != KindLimitParent {
				t.OnRemove(closedOf(e, ReasonFlushed, now))
			}
		}
	}
	n := t.count
	t.count = 0
	t.kinds = [numKinds]int{}
	t.realloc(t.wantBuckets)
	return n
}

// Close flushes the table; later installs fail with ErrClosed.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.flushLocked()
	t.closed = true
	slog.Debug("dynamic state table closed", "flushed", n)
}

// find scans the bucket of id, lazily removing expired entries, and
// returns the index of the session entry matching id.
func (t *Table) find(id flow.ID, now int64) (int32, flow.Direction) {
	b := id.Hash(uint32(len(t.heads)))
	for i := t.heads[b]; i != nilIndex; {
		e := &t.slots[i]
		next := e.next
		if t.expired(e, now) {
			t.remove(i, ReasonExpired, now)
			t.ctr.expired++
			i = next
			continue
		}
		if e.kind != KindLimitParent {
			if dir, ok := e.flow.Match(id); ok {
				t.moveToFront(i)
				return i, dir
			}
		}
		i = next
	}
	return nilIndex, flow.Forward
}

// expired reports whether e may be reaped. Parents with children stay.
func (t *Table) expired(e *entry, now int64) bool {
	if e.expire > now {
		return false
	}
	return e.kind != KindLimitParent || e.children == 0
}

// insert links a new entry at the head of its bucket. keep is spared by
// the forced reap that runs when the table is full.
func (t *Table) insert(id flow.ID, kind Kind, rule RuleRef, keep int32, now int64) (int32, error) {
	if t.count == 0 && t.wantBuckets != uint32(len(t.heads)) {
		slog.Info("dynamic state: resizing table",
			"from", len(t.heads), "to", t.wantBuckets)
		t.realloc(t.wantBuckets)
	}
	if t.count >= t.tun.MaxEntries {
		t.reap(nil, keep, now)
		if t.count >= t.tun.MaxEntries {
			t.ctr.tableFull++
			return nilIndex, ErrTableFull
		}
	}

	idx := t.alloc()
	e := &t.slots[idx]
	gen := e.gen
	*e = entry{
		flow:    id,
		rule:    rule,
		kind:    kind,
		parent:  nilIndex,
		created: now,
		expire:  now + int64(t.openingLifetime(id.Proto)),
		bucket:  id.Hash(uint32(len(t.heads))),
		gen:     gen,
		live:    true,
		prev:    nilIndex,
	}
	e.next = t.heads[e.bucket]
	if e.next != nilIndex {
		t.slots[e.next].prev = idx
	}
	t.heads[e.bucket] = idx
	t.count++
	t.kinds[kind]++
	return idx, nil
}

func (t *Table) openingLifetime(proto uint8) uint32 {
	if proto == flow.ProtoTCP {
		return t.tun.SynLifetime
	}
	return t.tun.ShortLifetime
}

func (t *Table) alloc() int32 {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		return idx
	}
	t.slots = append(t.slots, entry{})
	return int32(len(t.slots) - 1)
}

// remove unlinks entry idx and frees its slot.
func (t *Table) remove(idx int32, why RemoveReason, now int64) {
	e := &t.slots[idx]
	if t.OnRemove != nil && e.kind != KindLimitParent {
		t.OnRemove(closedOf(e, why, now))
	}
	if e.kind == KindLimitChild {
		if p := t.parentOf(e); p != nil {
			p.children--
		} else {
			t.ctr.orphans++
			slog.Error("dynamic state: limit child without live parent",
				"flow", e.flow, "rule", e.rule)
		}
	}

	if e.prev != nilIndex {
		t.slots[e.prev].next = e.next
	} else {
		t.heads[e.bucket] = e.next
	}
	if e.next != nilIndex {
		t.slots[e.next].prev = e.prev
	}

	t.count--
	t.kinds[e.kind]--
	gen := e.gen + 1
	*e = entry{gen: gen, parent: nilIndex, next: nilIndex, prev: nilIndex}
	t.free = append(t.free, idx)
}

func (t *Table) moveToFront(idx int32) {
	e := &t.slots[idx]
	if e.prev == nilIndex {
		return
	}
	t.slots[e.prev].next = e.next
	if e.next != nilIndex {
		t.slots[e.next].prev = e.prev
	}
	e.prev = nilIndex
	e.next = t.heads[e.bucket]
	t.slots[e.next].prev = idx
	t.heads[e.bucket] = idx
}

// parentOf returns the live parent of child e, or nil when the handle is
// stale.
func (t *Table) parentOf(e *entry) *entry {
	if e.parent == nilIndex || int(e.parent) >= len(t.slots) {
		return nil
	}
	p := &t.slots[e.parent]
	if !p.live || p.gen != e.parentGen || p.kind != KindLimitParent {
		return nil
	}
	return p
}

// reap removes expired entries, restricted to rule when non-nil and
// sparing keep. Children go first so that parents they release can be
// reaped in the same pass.
func (t *Table) reap(rule *RuleRef, keep int32, now int64) int {
	n := 0
	for i := range t.slots {
		idx := int32(i)
		e := &t.slots[i]
		if !e.live || idx == keep || e.kind == KindLimitParent {
			continue
		}
		if rule != nil && e.rule != *rule {
			continue
		}
		if e.expire <= now || (e.kind == KindLimitChild && t.parentOf(e) == nil) {
			t.remove(idx, ReasonExpired, now)
			n++
		}
	}
	for i := range t.slots {
		idx := int32(i)
		e := &t.slots[i]
		if !e.live || idx == keep || e.kind != KindLimitParent {
			continue
		}
		if rule != nil && e.rule != *rule {
			continue
		}
		if e.children == 0 && e.expire <= now {
			t.remove(idx, ReasonExpired, now)
			n++
		}
	}
	t.ctr.expired += uint64(n)
	return n
}
