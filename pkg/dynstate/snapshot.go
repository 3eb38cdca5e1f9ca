package dynstate

// Stats is a point-in-time view of table counters.
type Stats struct {
	Entries    int
	Sessions   int
	Parents    int
	Children   int
	MaxEntries int
	Buckets    uint32

	Lookups       uint64
	Hits          uint64
	Installs      uint64
	TableFull     uint64
	LimitExceeded uint64
	Expired       uint64
	RuleRemoved   uint64
	Keepalives    uint64
	Sweeps        uint64
	Orphans       uint64
}

// Stats returns the current counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Entries:       t.count,
		Sessions:      t.kinds[KindBidir],
		Parents:       t.kinds[KindLimitParent],
		Children:      t.kinds[KindLimitChild],
		MaxEntries:    t.tun.MaxEntries,
		Buckets:       uint32(len(t.heads)),
		Lookups:       t.ctr.lookups,
		Hits:          t.ctr.hits,
		Installs:      t.ctr.installs,
		TableFull:     t.ctr.tableFull,
		LimitExceeded: t.ctr.limitExceeded,
		Expired:       t.ctr.expired,
		RuleRemoved:   t.ctr.ruleRemoved,
		Keepalives:    t.ctr.keepalives,
		Sweeps:        t.ctr.sweeps,
		Orphans:       t.ctr.orphans,
	}
}

// Snapshot copies every live entry in bucket order. Expired entries that
// have not been reaped yet are included with ExpiresIn <= 0.
func (t *Table) Snapshot() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.Now()
	out := make([]Summary, 0, t.count)
	for b := range t.heads {
		for i := t.heads[b]; i != nilIndex; i = t.slots[i].next {
			e := &t.slots[i]
			s := Summary{
				Flow:       e.flow,
				Rule:       e.rule,
				Kind:       e.kind,
				State:      e.state,
				StateName:  StateName(e.flow.Proto, e.state),
				AckFwd:     e.ackFwd,
				AckRev:     e.ackRev,
				Expire:     e.expire,
				ExpiresIn:  e.expire - now,
				Age:        now - e.created,
				Bucket:     e.bucket,
				Children:   e.children,
				PacketsFwd: e.pktsFwd,
				PacketsRev: e.pktsRev,
				BytesFwd:   e.bytesFwd,
				BytesRev:   e.bytesRev,
			}
			if p := t.parentOf(e); p != nil {
				pf := p.flow
				s.Parent = &pf
			}
			out = append(out, s)
		}
	}
	return out
}
