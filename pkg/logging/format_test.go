package logging

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		rec  EventRecord
		want string
	}{
		{
			EventRecord{Type: EventRuleDeleted, RuleID: 7, RuleGen: 3, Removed: 12, Entries: 40},
			"DYNSTATE RULE_DELETED rule=7.3 removed=12 entries=40",
		},
		{
			EventRecord{Type: EventFlushed, Removed: 9},
			"DYNSTATE TABLE_FLUSHED removed=9",
		},
		{
			EventRecord{Type: EventLimitExceeded, SrcAddr: "10.0.1.5:999", DstAddr: "10.0.2.1:22",
				Protocol: "TCP", Action: "deny", RuleID: 5, RuleGen: 2, Limit: 3},
			"DYNSTATE LIMIT_EXCEEDED src=10.0.1.5:999 dst=10.0.2.1:22 proto=TCP action=deny rule=5.2 limit=3",
		},
		{
			EventRecord{Type: EventInstall, SrcAddr: "10.0.0.1:1", DstAddr: "10.0.0.2:80",
				Protocol: "TCP", Action: "permit", RuleID: 1, RuleGen: 1, Entries: 1},
			"DYNSTATE SESSION_INSTALL src=10.0.0.1:1 dst=10.0.0.2:80 proto=TCP action=permit rule=1.1 entries=1",
		},
	}
	for _, tt := range tests {
		if got := FormatEvent(tt.rec); got != tt.want {
			t.Errorf("FormatEvent = %q, want %q", got, tt.want)
		}
	}
}

func TestEventSeverity(t *testing.T) {
	tests := map[string]int{
		EventTableFull:     SyslogError,
		EventLimitExceeded: SyslogWarning,
		EventReject:        SyslogWarning,
		EventDeny:          SyslogWarning,
		EventInstall:       SyslogInfo,
		EventRuleDeleted:   SyslogInfo,
	}
	for typ, want := range tests {
		if got := EventSeverity(typ); got != want {
			t.Errorf("EventSeverity(%s) = %d, want %d", typ, got, want)
		}
		if ParseSeverity(SeverityName(want)) != want {
			t.Errorf("SeverityName(%d) does not round-trip", want)
		}
	}
}

func TestForwarder(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	client, err := NewSyslogClient("127.0.0.1", pc.LocalAddr().(*net.UDPAddr).Port)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.MinSeverity = SyslogWarning

	var f Forwarder
	f.Send(EventRecord{Type: EventTableFull}) // no clients yet
	f.SetClients([]*SyslogClient{client})

	// Info events are filtered by the client.
	f.Send(EventRecord{Type: EventInstall, RuleID: 1, RuleGen: 1})
	f.Send(EventRecord{Type: EventTableFull, SrcAddr: "10.0.0.1:1", DstAddr: "10.0.0.2:2",
		Protocol: "TCP", Action: "reject", RuleID: 4, RuleGen: 1, Entries: 100})

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	// local0 error: 16*8 + 3
	if !strings.HasPrefix(got, "<131>") {
		t.Errorf("priority prefix: %q", got)
	}
	if !strings.Contains(got, "DYNSTATE TABLE_FULL src=10.0.0.1:1") {
		t.Errorf("message: %q", got)
	}
}
