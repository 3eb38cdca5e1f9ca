package logging

import "fmt"

// EventSeverity maps an event type to its syslog severity.
func EventSeverity(eventType string) int {
	switch eventType {
	case EventTableFull:
		return SyslogError
	case EventLimitExceeded, EventDeny, EventReject:
		return SyslogWarning
	default:
		return SyslogInfo
	}
}

// RecordSeverity is the syslog severity of rec. DAEMON events carry their
// own.
func RecordSeverity(rec EventRecord) int {
	if rec.Type == EventDaemon && rec.Severity != 0 {
		return rec.Severity
	}
	return EventSeverity(rec.Type)
}

// SeverityName is the inverse of ParseSeverity.
func SeverityName(s int) string {
	switch s {
	case SyslogError:
		return "error"
	case SyslogWarning:
		return "warning"
	default:
		return "info"
	}
}

// FormatEvent renders rec as a single log line.
func FormatEvent(rec EventRecord) string {
	switch rec.Type {
	case EventDaemon:
		return rec.Message
	case EventRuleDeleted:
		return fmt.Sprintf("DYNSTATE %s rule=%d.%d removed=%d entries=%d",
			rec.Type, rec.RuleID, rec.RuleGen, rec.Removed, rec.Entries)
	case EventFlushed:
		return fmt.Sprintf("DYNSTATE %s removed=%d", rec.Type, rec.Removed)
	case EventLimitExceeded:
		return fmt.Sprintf("DYNSTATE %s src=%s dst=%s proto=%s action=%s rule=%d.%d limit=%d",
			rec.Type, rec.SrcAddr, rec.DstAddr, rec.Protocol, rec.Action,
			rec.RuleID, rec.RuleGen, rec.Limit)
	}
	return fmt.Sprintf("DYNSTATE %s src=%s dst=%s proto=%s action=%s rule=%d.%d entries=%d",
		rec.Type, rec.SrcAddr, rec.DstAddr, rec.Protocol, rec.Action,
		rec.RuleID, rec.RuleGen, rec.Entries)
}
