package dynstate

import "github.com/psaab/dyntrack/pkg/flow"

// Flags accumulated per direction.
const (
	trackedFlags = flow.FlagSYN | flow.FlagFIN | flow.FlagRST

	stateSYN     = uint16(flow.FlagSYN)
	bothSYN      = uint16(flow.FlagSYN) | uint16(flow.FlagSYN)<<8
	bothFIN      = uint16(flow.FlagFIN) | uint16(flow.FlagFIN)<<8
	finOrRST     = uint16(flow.FlagFIN|flow.FlagRST) | uint16(flow.FlagFIN|flow.FlagRST)<<8
	trackedState = uint16(trackedFlags) | uint16(trackedFlags)<<8
)

type protoClass uint8

const (
	protoOther protoClass = iota
	protoTCP
	protoUDP
)

func classify(proto uint8) protoClass {
	switch proto {
	case flow.ProtoTCP:
		return protoTCP
	case flow.ProtoUDP:
		return protoUDP
	default:
		return protoOther
	}
}

// update accounts pkt against e and recomputes the expiry.
func (t *Table) update(e *entry, dir flow.Direction, pkt *flow.Packet, now int64) {
	if dir == flow.Forward {
		e.pktsFwd++
		e.bytesFwd += uint64(pkt.Len)
	} else {
		e.pktsRev++
		e.bytesRev += uint64(pkt.Len)
	}

	switch classify(e.flow.Proto) {
	case protoTCP:
		t.updateTCP(e, dir, pkt, now)
	case protoUDP:
		e.expire = now + int64(t.tun.UDPLifetime)
	default:
		e.expire = now + int64(t.tun.ShortLifetime)
	}
}

func (t *Table) updateTCP(e *entry, dir flow.Direction, pkt *flow.Packet, now int64) {
	flags := uint16(pkt.Flags & trackedFlags)
	if dir == flow.Reverse {
		flags <<= 8
	}
	e.state |= flags

	switch st := e.state & trackedState; st {
	case 0, stateSYN, stateSYN << 8:
		e.expire = now + int64(t.tun.SynLifetime)

	case bothSYN:
		// A stale ack is out of order and leaves the expiry alone.
		if pkt.HasFlag(flow.FlagACK) {
			last := &e.ackFwd
			if dir == flow.Reverse {
				last = &e.ackRev
			}
			if *last != 0 && !seqGE(pkt.Ack, *last) {
				return
			}
			*last = pkt.Ack
		}
		e.expire = now + int64(t.tun.AckLifetime)

	case bothSYN | uint16(flow.FlagFIN), bothSYN | uint16(flow.FlagFIN)<<8, bothSYN | bothFIN:
		e.expire = now + int64(t.tun.FinLifetime)

	default:
		e.expire = now + int64(t.tun.RstLifetime)
	}
}

// seqGE compares TCP sequence numbers modulo 2^32.
func seqGE(a, b uint32) bool {
	return int32(a-b) >= 0
}

// established reports whether both sides sent SYN and neither FIN nor RST
// has been seen.
func established(state uint16) bool {
	return state&bothSYN == bothSYN && state&finOrRST == 0
}

// StateName renders an accumulated TCP state for display.
func StateName(proto uint8, state uint16) string {
	if proto != flow.ProtoTCP {
		return ""
	}
	switch st := state & trackedState; {
	case st == 0:
		return "NEW"
	case st == stateSYN || st == stateSYN<<8:
		return "SYN_SENT"
	case st == bothSYN:
		return "ESTABLISHED"
	case st == bothSYN|bothFIN:
		return "CLOSED"
	case st == bothSYN|uint16(flow.FlagFIN) || st == bothSYN|uint16(flow.FlagFIN)<<8:
		return "FIN_WAIT"
	default:
		return "RESET"
	}
}
