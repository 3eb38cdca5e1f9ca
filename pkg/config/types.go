package config

import (
	"net/netip"

	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/flow"
)

// Config is the top-level typed configuration, compiled from the AST.
type Config struct {
	DynamicState DynamicStateConfig
	Rules        []*RuleConfig // in rule number order
	System       SystemConfig
	Warnings     []string // non-fatal validation warnings
}

// Table-full actions.
const (
	TableFullAllow  = "allow"
	TableFullReject = "reject"
)

// DynamicStateConfig holds the "dynamic-state" hierarchy.
type DynamicStateConfig struct {
	Tunables        dynstate.Tunables
	TableFullAction string // TableFullAllow or TableFullReject
}

// Rule actions.
const (
	ActionKeepState = "keep-state"
	ActionLimit     = "limit"
	ActionAccept    = "accept"
	ActionDeny      = "deny"
	ActionReject    = "reject"
)

// RuleConfig is one "rules { rule N { ... } }" entry.
type RuleConfig struct {
	ID                   uint32
	Protocol             uint8 // 0 = any
	SourceAddresses      []netip.Prefix
	DestinationAddresses []netip.Prefix
	DestinationPorts     []PortRange
	Action               string
	Limit                *LimitConfig // set when Action is ActionLimit
	Line                 int
}

// PortRange is an inclusive port range. A single port has Lo == Hi.
type PortRange struct {
	Lo, Hi uint16
}

// Contains reports whether port is in the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Lo && port <= r.Hi
}

// LimitConfig is the body of a rule's "limit" block.
type LimitConfig struct {
	Mask  flow.FieldMask
	Count uint32
}

// SystemConfig holds the "system" hierarchy.
type SystemConfig struct {
	API     APIConfig
	Capture CaptureConfig
	Syslog     []*SyslogHostConfig
	Events     EventsConfig
	FlowExport FlowExportConfig
}

// APIConfig configures the control surfaces. Empty addresses disable them.
// Without users or keys the HTTP API is open.
type APIConfig struct {
	HTTPAddr string
	GRPCAddr string
	Users    map[string]APIUser
	APIKeys  map[string]AccessClass
}

// AccessClass limits what an API credential may do.
type AccessClass string

const (
	// ClassReadOnly may query the table, rules and events.
	ClassReadOnly AccessClass = "read-only"
	// ClassOperator may also flush the table and delete rules.
	ClassOperator AccessClass = "operator"
)

// APIUser is a basic-auth credential.
type APIUser struct {
	Password string
	Class    AccessClass
}

// AuthEnabled reports whether HTTP requests must authenticate.
func (a *APIConfig) AuthEnabled() bool {
	return len(a.Users) > 0 || len(a.APIKeys) > 0
}

// CaptureConfig selects the packet source.
type CaptureConfig struct {
	Interfaces []string
	PcapFile   string
	Transmit   bool // send keepalives and resets; off with "no-transmit"
}

// SyslogHostConfig is a remote syslog destination.
type SyslogHostConfig struct {
	Host     string
	Port     int
	Severity string // "error", "warning", "info" or "" for all
	Facility string
}

// EventsConfig sizes the event ring and the refusal report.
type EventsConfig struct {
	BufferSize        int
	AggregateInterval int // seconds
	AggregateTop      int
}

// FlowExportConfig lists NetFlow v9 collectors that receive a record for
// every session leaving the table. No collectors disables export.
type FlowExportConfig struct {
	Collectors      []*CollectorConfig
	TemplateRefresh int // seconds
	SamplingRate    int // export 1 in N sessions; 0 or 1 exports all
}

// CollectorConfig is one NetFlow destination.
type CollectorConfig struct {
	Address       string
	Port          int
	SourceAddress string
}
