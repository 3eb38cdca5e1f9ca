package dynstate

import (
	"fmt"

	"github.com/psaab/dyntrack/pkg/flow"
)

// RuleRef is a non-owning handle to the static rule that created an
// entry. Gen distinguishes a rule from a later rule reusing its ID.
type RuleRef struct {
	ID  uint32
	Gen uint32
}

func (r RuleRef) String() string {
	return fmt.Sprintf("%d.%d", r.ID, r.Gen)
}

// Kind tags what an entry is used for.
type Kind uint8

const (
	// KindBidir is an ordinary tracked session.
	KindBidir Kind = iota
	// KindLimitChild is a session counted against a KindLimitParent.
	KindLimitChild
	// KindLimitParent is an accounting anchor; it never matches packets.
	KindLimitParent

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindBidir:
		return "dynamic"
	case KindLimitChild:
		return "limit"
	case KindLimitParent:
		return "limit-parent"
	default:
		return "unknown"
	}
}

// Limit caps concurrent sessions sharing the fields selected by Mask.
type Limit struct {
	Max  uint32
	Mask flow.FieldMask
}

const nilIndex int32 = -1

// entry is one arena slot. Chains link slots by index; a slot's gen is
// bumped every time it is freed so stale parent handles are detectable.
type entry struct {
	flow flow.ID
	rule RuleRef
	kind Kind

	parent    int32
	parentGen uint32
	children  uint32

	state  uint16 // forward flags | reverse flags << 8
	ackFwd uint32
	ackRev uint32

	expire  int64
	created int64
	bucket  uint32

	pktsFwd  uint64
	pktsRev  uint64
	bytesFwd uint64
	bytesRev uint64

	gen        uint32
	live       bool
	next, prev int32
}

// Match is what a successful lookup tells the caller.
type Match struct {
	Direction flow.Direction
	Rule      RuleRef
	Kind      Kind
}

// Summary is a read-only copy of an entry for reporting.
type Summary struct {
	Flow      flow.ID
	Rule      RuleRef
	Kind      Kind
	State     uint16
	StateName string
	AckFwd    uint32
	AckRev    uint32
	Expire    int64
	ExpiresIn int64
	Age       int64
	Bucket    uint32
	Children  uint32
	Parent    *flow.ID

	PacketsFwd uint64
	PacketsRev uint64
	BytesFwd   uint64
	BytesRev   uint64
}

// RemoveReason says why an entry left the table.
type RemoveReason uint8

const (
	ReasonExpired RemoveReason = iota
	ReasonRuleRemoved
	ReasonFlushed
)

func (r RemoveReason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonRuleRemoved:
		return "rule-removed"
	case ReasonFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Closed is the final accounting of a session entry passed to
// Table.OnRemove. Times are table clock seconds.
type Closed struct {
	Flow    flow.ID
	Rule    RuleRef
	Kind    Kind
	Reason  RemoveReason
	Created int64
	Removed int64

	PacketsFwd uint64
	PacketsRev uint64
	BytesFwd   uint64
	BytesRev   uint64
}

func closedOf(e *entry, why RemoveReason, now int64) Closed {
	return Closed{
		Flow:       e.flow,
		Rule:       e.rule,
		Kind:       e.kind,
		Reason:     why,
		Created:    e.created,
		Removed:    now,
		PacketsFwd: e.pktsFwd,
		PacketsRev: e.pktsRev,
		BytesFwd:   e.bytesFwd,
		BytesRev:   e.bytesRev,
	}
}
