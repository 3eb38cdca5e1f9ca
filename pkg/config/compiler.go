package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/flow"
)

// Defaults for settings outside the state table.
const (
	DefaultEventBufferSize   = 1024
	DefaultAggregateInterval = 300
	DefaultAggregateTop      = 10
	DefaultSyslogPort        = 514
	DefaultNetFlowPort       = 2055
	DefaultTemplateRefresh   = 60
)

// LoadFile reads, parses and compiles the configuration at path.
func LoadFile(path string) (*Config, *ConfigTree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	return Load(string(data))
}

// Load parses and compiles configuration text.
func Load(text string) (*Config, *ConfigTree, error) {
	tree, errs := NewParser(text).Parse()
	if len(errs) > 0 {
		return nil, tree, fmt.Errorf("parse config: %w", errors.Join(errs...))
	}
	cfg, err := CompileConfig(tree)
	if err != nil {
		return nil, tree, err
	}
	return cfg, tree, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DynamicState: DynamicStateConfig{
			Tunables:        dynstate.DefaultTunables(),
			TableFullAction: TableFullAllow,
		},
		System: SystemConfig{
			Capture: CaptureConfig{Transmit: true},
			Events: EventsConfig{
				BufferSize:        DefaultEventBufferSize,
				AggregateInterval: DefaultAggregateInterval,
				AggregateTop:      DefaultAggregateTop,
			},
			FlowExport: FlowExportConfig{TemplateRefresh: DefaultTemplateRefresh},
		},
	}
}

// CompileConfig converts a parsed ConfigTree AST into a typed Config struct.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := Default()

	for _, node := range tree.Children {
		switch node.Name() {
		case "dynamic-state":
			if err := compileDynamicState(node, &cfg.DynamicState); err != nil {
				return nil, fmt.Errorf("dynamic-state: %w", err)
			}
		case "rules":
			if err := compileRules(node, cfg); err != nil {
				return nil, fmt.Errorf("rules: %w", err)
			}
		case "system":
			if err := compileSystem(node, &cfg.System); err != nil {
				return nil, fmt.Errorf("system: %w", err)
			}
		default:
			cfg.Warnings = append(cfg.Warnings,
				fmt.Sprintf("line %d: unknown section %q ignored", node.Line, node.Name()))
		}
	}

	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	return cfg, nil
}

// ValidateConfig reports settings that are accepted but will be adjusted
// or ignored at runtime.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	_, tw := cfg.DynamicState.Tunables.Normalize(dynstate.DefaultTunables())
	for _, w := range tw {
		warnings = append(warnings, "dynamic-state: "+w)
	}
	for _, r := range cfg.Rules {
		if r.Action == "" {
			warnings = append(warnings,
				fmt.Sprintf("rule %d: no action, defaulting to %s", r.ID, ActionDeny))
		}
		if len(r.DestinationPorts) > 0 && r.Protocol != flow.ProtoTCP && r.Protocol != flow.ProtoUDP {
			warnings = append(warnings,
				fmt.Sprintf("rule %d: destination-port only matches tcp and udp", r.ID))
		}
	}
	if len(cfg.System.Capture.Interfaces) > 0 && cfg.System.Capture.PcapFile != "" {
		warnings = append(warnings, "system capture: pcap-file overrides interface")
	}
	return warnings
}

func compileDynamicState(node *Node, ds *DynamicStateConfig) error {
	t := &ds.Tunables
	for _, opt := range node.Children {
		switch opt.Name() {
		case "buckets":
			v, err := leafUint(opt, 32)
			if err != nil {
				return err
			}
			t.Buckets = uint32(v)
		case "max-entries":
			v, err := leafUint(opt, 31)
			if err != nil {
				return err
			}
			t.MaxEntries = int(v)
		case "lifetime":
			if err := compileLifetimes(opt, t); err != nil {
				return err
			}
		case "keepalive":
			t.Keepalive = true
			for _, k := range opt.Children {
				v, err := leafSeconds(k)
				if err != nil {
					return err
				}
				switch k.Name() {
				case "interval":
					t.KeepaliveInterval = uint32(v)
				case "period":
					t.KeepalivePeriod = uint32(v)
				default:
					return unknownOption(k)
				}
			}
		case "no-keepalive":
			t.Keepalive = false
		case "table-full-action":
			v, err := leafString(opt)
			if err != nil {
				return err
			}
			if v != TableFullAllow && v != TableFullReject {
				return fmt.Errorf("line %d: table-full-action must be %s or %s, got %q",
					opt.Line, TableFullAllow, TableFullReject, v)
			}
			ds.TableFullAction = v
		default:
			return unknownOption(opt)
		}
	}
	return nil
}

func compileLifetimes(node *Node, t *dynstate.Tunables) error {
	for _, opt := range node.Children {
		v, err := leafSeconds(opt)
		if err != nil {
			return err
		}
		switch opt.Name() {
		case "syn":
			t.SynLifetime = uint32(v)
		case "ack":
			t.AckLifetime = uint32(v)
		case "fin":
			t.FinLifetime = uint32(v)
		case "rst":
			t.RstLifetime = uint32(v)
		case "udp":
			t.UDPLifetime = uint32(v)
		case "short":
			t.ShortLifetime = uint32(v)
		default:
			return unknownOption(opt)
		}
	}
	return nil
}

func compileRules(node *Node, cfg *Config) error {
	seen := make(map[uint32]int)
	for _, rn := range node.Children {
		if rn.Name() != "rule" {
			return unknownOption(rn)
		}
		if len(rn.Keys) != 2 {
			return fmt.Errorf("line %d: rule needs a number", rn.Line)
		}
		id, err := strconv.ParseUint(rn.Keys[1], 10, 32)
		if err != nil || id == 0 {
			return fmt.Errorf("line %d: invalid rule number %q", rn.Line, rn.Keys[1])
		}
		if prev, ok := seen[uint32(id)]; ok {
			return fmt.Errorf("line %d: rule %d already defined at line %d", rn.Line, id, prev)
		}
		seen[uint32(id)] = rn.Line

		rule, err := compileRule(rn, uint32(id))
		if err != nil {
			return fmt.Errorf("rule %d: %w", id, err)
		}
		cfg.Rules = append(cfg.Rules, rule)
	}
	sort.Slice(cfg.Rules, func(i, j int) bool { return cfg.Rules[i].ID < cfg.Rules[j].ID })
	return nil
}

func compileRule(node *Node, id uint32) (*RuleConfig, error) {
	r := &RuleConfig{ID: id, Line: node.Line}
	setAction := func(opt *Node, action string) error {
		if r.Action != "" {
			return fmt.Errorf("line %d: %s conflicts with %s", opt.Line, action, r.Action)
		}
		r.Action = action
		return nil
	}

	for _, opt := range node.Children {
		switch opt.Name() {
		case "protocol":
			v, err := leafString(opt)
			if err != nil {
				return nil, err
			}
			p, ok := flow.ProtoNumber(v)
			if !ok {
				return nil, fmt.Errorf("line %d: unknown protocol %q", opt.Line, v)
			}
			r.Protocol = p
		case "source-address":
			pfx, err := leafPrefixes(opt)
			if err != nil {
				return nil, err
			}
			r.SourceAddresses = append(r.SourceAddresses, pfx...)
		case "destination-address":
			pfx, err := leafPrefixes(opt)
			if err != nil {
				return nil, err
			}
			r.DestinationAddresses = append(r.DestinationAddresses, pfx...)
		case "destination-port":
			if len(opt.Args()) == 0 {
				return nil, missingValue(opt)
			}
			for i, a := range opt.Args() {
				if k := opt.KeyKind(i + 1); k != TokenNumber && k != TokenRange && k != TokenString {
					return nil, fmt.Errorf("line %d: invalid port %q", opt.Line, a)
				}
				pr, err := parsePortRange(a)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", opt.Line, err)
				}
				r.DestinationPorts = append(r.DestinationPorts, pr)
			}
		case ActionKeepState, ActionAccept, ActionDeny, ActionReject:
			if err := setAction(opt, opt.Name()); err != nil {
				return nil, err
			}
		case ActionLimit:
			if err := setAction(opt, ActionLimit); err != nil {
				return nil, err
			}
			l, err := compileLimit(opt)
			if err != nil {
				return nil, err
			}
			r.Limit = l
		default:
			return nil, unknownOption(opt)
		}
	}
	return r, nil
}

func compileLimit(node *Node) (*LimitConfig, error) {
	if node.IsLeaf {
		return nil, fmt.Errorf("line %d: limit needs a block with fields and count", node.Line)
	}
	l := &LimitConfig{}
	haveCount := false
	for _, opt := range node.Children {
		if opt.Name() == "count" {
			v, err := leafUint(opt, 32)
			if err != nil {
				return nil, err
			}
			l.Count = uint32(v)
			haveCount = true
			continue
		}
		bit, ok := flow.ParseMaskField(opt.Name())
		if !ok || !opt.IsLeaf || len(opt.Keys) != 1 {
			return nil, unknownOption(opt)
		}
		l.Mask |= bit
	}
	if !haveCount {
		return nil, fmt.Errorf("line %d: limit without count", node.Line)
	}
	if l.Mask == 0 {
		return nil, fmt.Errorf("line %d: limit needs at least one field", node.Line)
	}
	return l, nil
}

func compileSystem(node *Node, sys *SystemConfig) error {
	for _, child := range node.Children {
		switch child.Name() {
		case "api":
			if err := compileAPI(child, &sys.API); err != nil {
				return err
			}
		case "capture":
			for _, opt := range child.Children {
				switch opt.Name() {
				case "interface":
					v, err := leafString(opt)
					if err != nil {
						return err
					}
					sys.Capture.Interfaces = append(sys.Capture.Interfaces, v)
				case "pcap-file":
					v, err := leafString(opt)
					if err != nil {
						return err
					}
					sys.Capture.PcapFile = v
				case "no-transmit":
					sys.Capture.Transmit = false
				default:
					return unknownOption(opt)
				}
			}
		case "syslog":
			for _, hn := range child.FindChildren("host") {
				h, err := compileSyslogHost(hn)
				if err != nil {
					return fmt.Errorf("syslog: %w", err)
				}
				sys.Syslog = append(sys.Syslog, h)
			}
		case "events":
			for _, opt := range child.Children {
				v, err := leafUint(opt, 31)
				if err != nil {
					return err
				}
				switch opt.Name() {
				case "buffer-size":
					sys.Events.BufferSize = int(v)
				case "aggregate-interval":
					sys.Events.AggregateInterval = int(v)
				case "aggregate-top":
					sys.Events.AggregateTop = int(v)
				default:
					return unknownOption(opt)
				}
			}
		case "flow-export":
			if err := compileFlowExport(child, &sys.FlowExport); err != nil {
				return fmt.Errorf("flow-export: %w", err)
			}
		default:
			return unknownOption(child)
		}
	}
	return nil
}

func compileFlowExport(node *Node, fe *FlowExportConfig) error {
	for _, opt := range node.Children {
		switch opt.Name() {
		case "collector":
			if len(opt.Keys) != 2 {
				return fmt.Errorf("line %d: collector needs an address", opt.Line)
			}
			c := &CollectorConfig{Address: opt.Keys[1], Port: DefaultNetFlowPort}
			for _, copt := range opt.Children {
				switch copt.Name() {
				case "port":
					v, err := leafUint(copt, 16)
					if err != nil {
						return err
					}
					c.Port = int(v)
				case "source-address":
					v, err := leafString(copt)
					if err != nil {
						return err
					}
					if _, err := netip.ParseAddr(v); err != nil {
						return fmt.Errorf("line %d: invalid source-address %q", copt.Line, v)
					}
					c.SourceAddress = v
				default:
					return unknownOption(copt)
				}
			}
			fe.Collectors = append(fe.Collectors, c)
		case "template-refresh":
			v, err := leafUint(opt, 31)
			if err != nil {
				return err
			}
			if v == 0 {
				return fmt.Errorf("line %d: template-refresh must be positive", opt.Line)
			}
			fe.TemplateRefresh = int(v)
		case "sampling-rate":
			v, err := leafUint(opt, 31)
			if err != nil {
				return err
			}
			fe.SamplingRate = int(v)
		default:
			return unknownOption(opt)
		}
	}
	return nil
}

func compileAPI(node *Node, api *APIConfig) error {
	for _, opt := range node.Children {
		switch opt.Name() {
		case "user":
			// user NAME password SECRET [class CLASS];
			if !opt.IsLeaf || (len(opt.Keys) != 4 && len(opt.Keys) != 6) || opt.Keys[2] != "password" {
				return fmt.Errorf("line %d: expected \"user NAME password SECRET [class CLASS]\"", opt.Line)
			}
			class, err := accessClass(opt, opt.Keys[4:])
			if err != nil {
				return err
			}
			if api.Users == nil {
				api.Users = make(map[string]APIUser)
			}
			api.Users[opt.Keys[1]] = APIUser{Password: opt.Keys[3], Class: class}
			continue
		case "api-key":
			// api-key TOKEN [class CLASS];
			if !opt.IsLeaf || (len(opt.Keys) != 2 && len(opt.Keys) != 4) {
				return fmt.Errorf("line %d: expected \"api-key TOKEN [class CLASS]\"", opt.Line)
			}
			class, err := accessClass(opt, opt.Keys[2:])
			if err != nil {
				return err
			}
			if api.APIKeys == nil {
				api.APIKeys = make(map[string]AccessClass)
			}
			api.APIKeys[opt.Keys[1]] = class
			continue
		}

		v, err := leafString(opt)
		if err != nil {
			return err
		}
		switch opt.Name() {
		case "http":
			api.HTTPAddr = v
		case "grpc":
			api.GRPCAddr = v
		default:
			return unknownOption(opt)
		}
	}
	return nil
}

// accessClass parses an optional trailing "class CLASS"; credentials
// without one are operators.
func accessClass(opt *Node, kv []string) (AccessClass, error) {
	if len(kv) == 0 {
		return ClassOperator, nil
	}
	if kv[0] != "class" {
		return "", fmt.Errorf("line %d: unexpected %q, want \"class\"", opt.Line, kv[0])
	}
	switch c := AccessClass(kv[1]); c {
	case ClassReadOnly, ClassOperator:
		return c, nil
	default:
		return "", fmt.Errorf("line %d: unknown class %q (want read-only or operator)", opt.Line, kv[1])
	}
}

func compileSyslogHost(node *Node) (*SyslogHostConfig, error) {
	if len(node.Keys) != 2 {
		return nil, fmt.Errorf("line %d: host needs an address", node.Line)
	}
	h := &SyslogHostConfig{Host: node.Keys[1], Port: DefaultSyslogPort}
	for _, opt := range node.Children {
		switch opt.Name() {
		case "port":
			v, err := leafUint(opt, 16)
			if err != nil {
				return nil, err
			}
			h.Port = int(v)
		case "severity":
			v, err := leafString(opt)
			if err != nil {
				return nil, err
			}
			switch v {
			case "error", "warning", "info", "any":
			default:
				return nil, fmt.Errorf("line %d: unknown severity %q", opt.Line, v)
			}
			if v == "any" {
				v = ""
			}
			h.Severity = v
		case "facility":
			v, err := leafString(opt)
			if err != nil {
				return nil, err
			}
			h.Facility = v
		default:
			return nil, unknownOption(opt)
		}
	}
	return h, nil
}

func leafString(n *Node) (string, error) {
	if !n.IsLeaf || len(n.Keys) != 2 {
		return "", missingValue(n)
	}
	return n.Keys[1], nil
}

func leafUint(n *Node, bits int) (uint64, error) {
	s, err := leafString(n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: invalid number %q", n.Line, n.Name(), s)
	}
	return v, nil
}

// leafSeconds reads a time value: plain seconds or a duration such as
// 90s, 5m or 1h30m that is a whole number of seconds.
func leafSeconds(n *Node) (uint64, error) {
	s, err := leafString(n)
	if err != nil {
		return 0, err
	}
	switch n.KeyKind(1) {
	case TokenDuration:
		d, err := time.ParseDuration(s)
		if err != nil || d%time.Second != 0 || d/time.Second > math.MaxUint32 {
			return 0, fmt.Errorf("line %d: %s: invalid duration %q", n.Line, n.Name(), s)
		}
		return uint64(d / time.Second), nil
	case TokenNumber, TokenString:
		return leafUint(n, 32)
	default:
		return 0, fmt.Errorf("line %d: %s: invalid number %q (want seconds or a duration like 5m)",
			n.Line, n.Name(), s)
	}
}

func leafPrefixes(n *Node) ([]netip.Prefix, error) {
	if !n.IsLeaf || len(n.Args()) == 0 {
		return nil, missingValue(n)
	}
	var out []netip.Prefix
	for i, a := range n.Args() {
		if a == "any" {
			continue
		}
		switch n.KeyKind(i + 1) {
		case TokenAddress, TokenPrefix, TokenString:
		default:
			return nil, fmt.Errorf("line %d: %s: %q is not an address or prefix", n.Line, n.Name(), a)
		}
		pfx, err := parsePrefix(a)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", n.Line, n.Name(), err)
		}
		out = append(out, pfx)
	}
	return out, nil
}

// parsePrefix accepts a CIDR prefix or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return pfx.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parsePortRange(s string) (PortRange, error) {
	lo, hi, isRange := strings.Cut(s, "-")
	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	if !isRange {
		return PortRange{Lo: uint16(l), Hi: uint16(l)}, nil
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil || h < l {
		return PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	return PortRange{Lo: uint16(l), Hi: uint16(h)}, nil
}

func unknownOption(n *Node) error {
	return fmt.Errorf("line %d: unknown option %q", n.Line, n.KeyPath())
}

func missingValue(n *Node) error {
	return fmt.Errorf("line %d: %s: expected a single value", n.Line, n.Name())
}
