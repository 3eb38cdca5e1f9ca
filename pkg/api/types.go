// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime          string `json:"uptime"`
	Entries         int    `json:"entries"`
	MaxEntries      int    `json:"max_entries"`
	Buckets         uint32 `json:"buckets"`
	RuleCount       int    `json:"rule_count"`
	TableFullAction string `json:"table_full_action"`
	Keepalive       bool   `json:"keepalive"`
}

// SessionEntry holds a single dynamic table entry.
type SessionEntry struct {
	Protocol  string `json:"protocol"`
	SrcAddr   string `json:"src_addr"`
	SrcPort   uint16 `json:"src_port"`
	DstAddr   string `json:"dst_addr"`
	DstPort   uint16 `json:"dst_port"`
	Rule      uint32 `json:"rule"`
	RuleGen   uint32 `json:"rule_gen"`
	Kind      string `json:"kind"`
	State     string `json:"state,omitempty"`
	ExpiresIn int64  `json:"expires_in"`
	Age       int64  `json:"age"`
	Bucket    uint32 `json:"bucket"`
	Children  uint32 `json:"children,omitempty"`
	Parent    string `json:"parent,omitempty"`
	FwdPkts   uint64 `json:"fwd_packets"`
	FwdBytes  uint64 `json:"fwd_bytes"`
	RevPkts   uint64 `json:"rev_packets"`
	RevBytes  uint64 `json:"rev_bytes"`
}

// SessionListResponse holds paginated session results.
type SessionListResponse struct {
	Total    int            `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
	Sessions []SessionEntry `json:"sessions"`
}

// SessionSummary holds dynamic table summary stats.
type SessionSummary struct {
	TotalEntries  int            `json:"total_entries"`
	Sessions      int            `json:"sessions"`
	LimitParents  int            `json:"limit_parents"`
	LimitChildren int            `json:"limit_children"`
	MaxEntries    int            `json:"max_entries"`
	Buckets       uint32         `json:"buckets"`
	Established   int            `json:"established"`
	IPv4Sessions  int            `json:"ipv4_sessions"`
	IPv6Sessions  int            `json:"ipv6_sessions"`
	ByProtocol    map[string]int `json:"by_protocol"`
	ByRule        map[string]int `json:"by_rule"`

	Lookups       uint64 `json:"lookups"`
	Hits          uint64 `json:"hits"`
	Installs      uint64 `json:"installs"`
	TableFull     uint64 `json:"table_full"`
	LimitExceeded uint64 `json:"limit_exceeded"`
	Expired       uint64 `json:"expired"`
	RuleRemoved   uint64 `json:"rule_removed"`
	Keepalives    uint64 `json:"keepalives"`
	Sweeps        uint64 `json:"sweeps"`

	LastSweep         string  `json:"last_sweep,omitempty"`
	LastSweepDuration float64 `json:"last_sweep_seconds"`
}

// RuleEntry holds one installed rule.
type RuleEntry struct {
	ID           uint32   `json:"id"`
	Gen          uint32   `json:"gen"`
	Action       string   `json:"action"`
	Protocol     string   `json:"protocol,omitempty"`
	Sources      []string `json:"source_addresses,omitempty"`
	Destinations []string `json:"destination_addresses,omitempty"`
	Ports        []string `json:"destination_ports,omitempty"`
	LimitCount   uint32   `json:"limit_count,omitempty"`
	LimitFields  string   `json:"limit_fields,omitempty"`
}

// EventEntry holds a single event record.
type EventEntry struct {
	Time     string `json:"time"`
	Type     string `json:"type"`
	SrcAddr  string `json:"src_addr,omitempty"`
	DstAddr  string `json:"dst_addr,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Action   string `json:"action,omitempty"`
	Rule     uint32 `json:"rule,omitempty"`
	RuleGen  uint32 `json:"rule_gen,omitempty"`
	Limit    uint32 `json:"limit,omitempty"`
	Entries  int    `json:"entries"`
	Removed  int    `json:"removed,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ClearResponse reports how many entries a mutation removed.
type ClearResponse struct {
	Removed int `json:"removed"`
}
