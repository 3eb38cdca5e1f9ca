package dynstate

import (
	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/segment"
)

// SweepResult is the outcome of one sweeper pass.
type SweepResult struct {
	Reaped     int
	Entries    int
	Skipped    bool // reap skipped, already ran this second
	Keepalives []segment.Segment
}

// Sweep reaps expired entries and collects keepalive segments for
// established TCP sessions that expire within the keepalive interval.
// Reaping runs at most once per clock second. The segments are returned for
// the caller to transmit after the lock is released.
func (t *Table) Sweep() SweepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.Now()
	var res SweepResult
	t.ctr.sweeps++

	if t.count > 0 {
		if now != t.lastReap {
			res.Reaped = t.reap(nil, nilIndex, now)
			t.lastReap = now
		} else {
			res.Skipped = true
		}
	}

	if t.tun.Keepalive && t.count > 0 {
		res.Keepalives = t.collectKeepalives(now)
		t.ctr.keepalives += uint64(len(res.Keepalives))
	}
	res.Entries = t.count
	return res
}

func (t *Table) collectKeepalives(now int64) []segment.Segment {
	var out []segment.Segment
	deadline := now + int64(t.tun.KeepaliveInterval)
	for b := range t.heads {
		for i := t.heads[b]; i != nilIndex; i = t.slots[i].next {
			e := &t.slots[i]
			if e.kind == KindLimitParent || e.flow.Proto != flow.ProtoTCP {
				continue
			}
			if !established(e.state) {
				continue
			}
			if e.expire <= now || e.expire >= deadline {
				continue
			}
			out = append(out,
				segment.Keepalive(e.flow, e.ackRev-1, e.ackFwd),
				segment.Keepalive(e.flow.Reverse(), e.ackFwd-1, e.ackRev))
		}
	}
	return out
}
