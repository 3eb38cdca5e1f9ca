// Package rules holds the static rule set consulted for packets that do
// not belong to a tracked session. Every installed rule carries a
// generation, so sessions created by a replaced rule are told apart from
// those of its successor and can be removed when it goes away.
package rules

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"sync"

	"github.com/psaab/dyntrack/pkg/config"
	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/flow"
)

// Action is what a matching rule does with a packet.
type Action uint8

const (
	ActionDeny Action = iota
	ActionAccept
	ActionReject
	ActionKeepState
	ActionLimit
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	case ActionKeepState:
		return "keep-state"
	case ActionLimit:
		return "limit"
	default:
		return "deny"
	}
}

// Stateful reports whether the action installs dynamic state.
func (a Action) Stateful() bool {
	return a == ActionKeepState || a == ActionLimit
}

// Rule is a static rule. Empty match fields match anything.
type Rule struct {
	ID           uint32
	Protocol     uint8
	Sources      []netip.Prefix
	Destinations []netip.Prefix
	DstPorts     []config.PortRange
	Action       Action
	Limit        *dynstate.Limit
}

// Matches reports whether pkt, seen in the direction it travels, matches r.
func (r *Rule) Matches(pkt *flow.Packet) bool {
	id := &pkt.ID
	if r.Protocol != 0 && r.Protocol != id.Proto {
		return false
	}
	if len(r.Sources) > 0 && !containsAddr(r.Sources, id.Src) {
		return false
	}
	if len(r.Destinations) > 0 && !containsAddr(r.Destinations, id.Dst) {
		return false
	}
	if len(r.DstPorts) > 0 {
		if id.Proto != flow.ProtoTCP && id.Proto != flow.ProtoUDP {
			return false
		}
		ok := false
		for _, pr := range r.DstPorts {
			if pr.Contains(id.DstPort) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func containsAddr(pfxs []netip.Prefix, a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range pfxs {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// FromConfig converts a compiled rule.
func FromConfig(rc *config.RuleConfig) Rule {
	r := Rule{
		ID:           rc.ID,
		Protocol:     rc.Protocol,
		Sources:      rc.SourceAddresses,
		Destinations: rc.DestinationAddresses,
		DstPorts:     rc.DestinationPorts,
	}
	switch rc.Action {
	case config.ActionAccept:
		r.Action = ActionAccept
	case config.ActionReject:
		r.Action = ActionReject
	case config.ActionKeepState:
		r.Action = ActionKeepState
	case config.ActionLimit:
		r.Action = ActionLimit
		if rc.Limit != nil {
			r.Limit = &dynstate.Limit{Max: rc.Limit.Count, Mask: rc.Limit.Mask}
		}
	default:
		r.Action = ActionDeny
	}
	return r
}

// Matched is a rule together with the reference sessions it creates carry.
type Matched struct {
	Rule Rule
	Ref  dynstate.RuleRef
}

type installed struct {
	rule Rule
	gen  uint32
}

// Set is an ordered rule set. Rules are evaluated by ascending ID and the
// first match wins. Safe for concurrent use.
type Set struct {
	mu       sync.RWMutex
	rules    []installed
	gen      uint32
	onDelete []func(ref dynstate.RuleRef)
}

// NewSet returns an empty rule set.
func NewSet() *Set {
	return &Set{}
}

// OnDelete registers fn to be called, outside the set's lock, for every
// rule removed or replaced.
func (s *Set) OnDelete(fn func(ref dynstate.RuleRef)) {
	s.mu.Lock()
	s.onDelete = append(s.onDelete, fn)
	s.mu.Unlock()
}

// Add installs r, replacing a rule with the same ID. The replaced rule is
// reported as deleted.
func (s *Set) Add(r Rule) (dynstate.RuleRef, error) {
	if r.ID == 0 {
		return dynstate.RuleRef{}, fmt.Errorf("rule number must be positive")
	}
	if r.Action == ActionLimit && r.Limit == nil {
		return dynstate.RuleRef{}, fmt.Errorf("rule %d: limit action without limit", r.ID)
	}

	s.mu.Lock()
	s.gen++
	ins := installed{rule: r, gen: s.gen}
	var old *dynstate.RuleRef
	i := sort.Search(len(s.rules), func(i int) bool { return s.rules[i].rule.ID >= r.ID })
	if i < len(s.rules) && s.rules[i].rule.ID == r.ID {
		ref := s.rules[i].ref()
		old = &ref
		s.rules[i] = ins
	} else {
		s.rules = append(s.rules, installed{})
		copy(s.rules[i+1:], s.rules[i:])
		s.rules[i] = ins
	}
	hooks := s.onDelete
	s.mu.Unlock()

	if old != nil {
		slog.Info("rule replaced", "rule", r.ID, "old", old.String(), "new", ins.ref().String())
		for _, fn := range hooks {
			fn(*old)
		}
	}
	return ins.ref(), nil
}

// Delete removes rule id. It reports the removed reference.
func (s *Set) Delete(id uint32) (dynstate.RuleRef, bool) {
	s.mu.Lock()
	i := sort.Search(len(s.rules), func(i int) bool { return s.rules[i].rule.ID >= id })
	if i == len(s.rules) || s.rules[i].rule.ID != id {
		s.mu.Unlock()
		return dynstate.RuleRef{}, false
	}
	ref := s.rules[i].ref()
	s.rules = append(s.rules[:i], s.rules[i+1:]...)
	hooks := s.onDelete
	s.mu.Unlock()

	slog.Info("rule deleted", "rule", ref.String())
	for _, fn := range hooks {
		fn(ref)
	}
	return ref, true
}

// Replace installs rules as the whole rule set. Rules whose definition
// did not change keep their generation, so their sessions survive a
// reload; the others are deleted or replaced.
func (s *Set) Replace(rules []Rule) error {
	want := make(map[uint32]Rule, len(rules))
	for _, r := range rules {
		if _, dup := want[r.ID]; dup {
			return fmt.Errorf("rule %d defined twice", r.ID)
		}
		want[r.ID] = r
	}

	for _, cur := range s.List() {
		if _, ok := want[cur.Rule.ID]; !ok {
			s.Delete(cur.Rule.ID)
		}
	}
	for _, r := range rules {
		if cur, ok := s.Get(r.ID); ok && equalRules(&cur.Rule, &r) {
			continue
		}
		if _, err := s.Add(r); err != nil {
			return err
		}
	}
	return nil
}

// Get returns rule id.
func (s *Set) Get(id uint32) (Matched, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.rules), func(i int) bool { return s.rules[i].rule.ID >= id })
	if i == len(s.rules) || s.rules[i].rule.ID != id {
		return Matched{}, false
	}
	return Matched{Rule: s.rules[i].rule, Ref: s.rules[i].ref()}, true
}

// Match returns the first rule matching pkt.
func (s *Set) Match(pkt *flow.Packet) (Matched, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.rules {
		if s.rules[i].rule.Matches(pkt) {
			return Matched{Rule: s.rules[i].rule, Ref: s.rules[i].ref()}, true
		}
	}
	return Matched{}, false
}

// List returns the installed rules in evaluation order.
func (s *Set) List() []Matched {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Matched, len(s.rules))
	for i := range s.rules {
		out[i] = Matched{Rule: s.rules[i].rule, Ref: s.rules[i].ref()}
	}
	return out
}

// Len returns the number of rules.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

func (in installed) ref() dynstate.RuleRef {
	return dynstate.RuleRef{ID: in.rule.ID, Gen: in.gen}
}

func equalRules(a, b *Rule) bool {
	if a.ID != b.ID || a.Protocol != b.Protocol || a.Action != b.Action {
		return false
	}
	if (a.Limit == nil) != (b.Limit == nil) || (a.Limit != nil && *a.Limit != *b.Limit) {
		return false
	}
	return slices.Equal(a.Sources, b.Sources) &&
		slices.Equal(a.Destinations, b.Destinations) &&
		slices.Equal(a.DstPorts, b.DstPorts)
}
