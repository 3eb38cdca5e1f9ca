package dynstate

import "github.com/psaab/dyntrack/pkg/flow"

// installLimited admits id as a child of the parent aggregating the
// fields selected by l.Mask, creating the parent when needed.
func (t *Table) installLimited(id flow.ID, rule RuleRef, l Limit, now int64) (int32, error) {
	partial := id.Masked(l.Mask)
	p := t.findParent(partial, rule, now)
	if p == nilIndex {
		var err error
		p, err = t.insert(partial, KindLimitParent, rule, nilIndex, now)
		if err != nil {
			return nilIndex, err
		}
		t.slots[p].expire = now + int64(t.tun.ShortLifetime)
	}

	if err := t.tryAdmit(p, rule, l.Max, now); err != nil {
		return nilIndex, err
	}

	c, err := t.insert(id, KindLimitChild, rule, p, now)
	if err != nil {
		return nilIndex, err
	}
	// insert may have grown the arena; take pointers afterwards.
	parent := &t.slots[p]
	child := &t.slots[c]
	child.parent = p
	child.parentGen = parent.gen
	parent.children++
	return c, nil
}

// findParent returns the limit parent of rule for the partial flow,
// refreshing its expiry. Expired entries in the bucket are removed.
func (t *Table) findParent(partial flow.ID, rule RuleRef, now int64) int32 {
	b := partial.Hash(uint32(len(t.heads)))
	for i := t.heads[b]; i != nilIndex; {
		e := &t.slots[i]
		next := e.next
		if t.expired(e, now) {
			t.remove(i, ReasonExpired, now)
			t.ctr.expired++
			i = next
			continue
		}
		if e.kind == KindLimitParent && e.rule == rule && e.flow == partial {
			e.expire = now + int64(t.tun.ShortLifetime)
			return i
		}
		i = next
	}
	return nilIndex
}

// tryAdmit checks the parent's child count against max, reaping expired
// entries of the same rule once before giving up.
func (t *Table) tryAdmit(p int32, rule RuleRef, max uint32, now int64) error {
	if t.slots[p].children < max {
		return nil
	}
	t.reap(&rule, p, now)
	if t.slots[p].children < max {
		return nil
	}
	t.ctr.limitExceeded++
	return &LimitError{Rule: rule, Limit: max}
}
