// dyntrackctl is the remote CLI client for dyntrackd.
//
// It connects to the dyntrackd gRPC API and provides an interactive
// shell for inspecting and clearing dynamic state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/dyntrack/pkg/api"
	"github.com/psaab/dyntrack/pkg/grpcapi"
)

var errExit = errors.New("exit")

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "dyntrackd gRPC address")
	flag.Parse()

	client, conn, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dyntrackctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := client.Status(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dyntrackctl: cannot reach dyntrackd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "dyntrack"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "remote"
	}

	c := &ctl{client: client, hostname: hostname, username: username}

	// A single argument list runs one command and exits.
	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/dyntrackctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer{},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dyntrackctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("dyntrackctl: connected to dyntrackd %s (uptime: %s)\n", st.Version, st.Uptime)
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

type ctl struct {
	client   *grpcapi.Client
	hostname string
	username string
}

func (c *ctl) prompt() string {
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

func rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		showHelp()
		return nil
	}
	parts := strings.Fields(line)
	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "clear":
		return c.handleClear(parts[1:])
	case "sweep":
		return c.sweep()
	case "help":
		showHelp()
		return nil
	case "quit", "exit":
		return errExit
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		fmt.Println("show: specify what to show")
		printChildren("show")
		return nil
	}
	switch args[0] {
	case "status":
		return c.showStatus()
	case "dynamic":
		return c.showDynamic(args[1:])
	case "summary":
		return c.showSummary()
	case "rules":
		return c.showRules()
	case "events":
		return c.showEvents(args[1:])
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *ctl) showStatus() error {
	ctx, cancel := rpcContext()
	defer cancel()
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Version:           %s\n", st.Version)
	fmt.Printf("Uptime:            %s\n", st.Uptime)
	fmt.Printf("Entries:           %d/%d\n", st.Entries, st.MaxEntries)
	fmt.Printf("Buckets:           %d\n", st.Buckets)
	fmt.Printf("Rules:             %d\n", st.RuleCount)
	fmt.Printf("Table full action: %s\n", st.TableFullAction)
	fmt.Printf("Keepalives:        %t\n", st.Keepalive)
	return nil
}

func (c *ctl) showDynamic(args []string) error {
	q := api.SessionQuery{Limit: 100}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "protocol":
			if i+1 < len(args) {
				i++
				q.Protocol = args[i]
			}
		case "rule":
			if i+1 < len(args) {
				i++
				v, err := strconv.ParseUint(args[i], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid rule number %q", args[i])
				}
				q.Rule = uint32(v)
			}
		case "limit":
			if i+1 < len(args) {
				i++
				if v, err := strconv.Atoi(args[i]); err == nil {
					q.Limit = v
				}
			}
		case "summary":
			return c.showSummary()
		}
	}

	ctx, cancel := rpcContext()
	defer cancel()
	resp, err := c.client.Sessions(ctx, q)
	if err != nil {
		return err
	}
	for _, se := range resp.Sessions {
		fmt.Printf("Rule %d.%d, %s, Kind: %s, Expires: %ds, Age: %ds\n",
			se.Rule, se.RuleGen, stateLabel(se), se.Kind, se.ExpiresIn, se.Age)
		fmt.Printf("  %s:%d <-> %s:%d;%s, Bucket: %d\n",
			se.SrcAddr, se.SrcPort, se.DstAddr, se.DstPort, se.Protocol, se.Bucket)
		if se.Parent != "" {
			fmt.Printf("  Parent: %s\n", se.Parent)
		}
		if se.Children > 0 {
			fmt.Printf("  Children: %d\n", se.Children)
		}
		fmt.Printf("  Packets: %d/%d, Bytes: %d/%d\n",
			se.FwdPkts, se.RevPkts, se.FwdBytes, se.RevBytes)
	}
	fmt.Printf("Total entries: %d\n", resp.Total)
	return nil
}

func stateLabel(se api.SessionEntry) string {
	if se.State == "" {
		return "State: -"
	}
	return "State: " + se.State
}

func (c *ctl) showSummary() error {
	ctx, cancel := rpcContext()
	defer cancel()
	sum, err := c.client.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Dynamic state summary:\n")
	fmt.Printf("  Total entries:   %d/%d\n", sum.TotalEntries, sum.MaxEntries)
	fmt.Printf("  Sessions:        %d\n", sum.Sessions)
	fmt.Printf("  Limit parents:   %d\n", sum.LimitParents)
	fmt.Printf("  Limit children:  %d\n", sum.LimitChildren)
	fmt.Printf("  Established:     %d\n", sum.Established)
	fmt.Printf("  IPv4 sessions:   %d\n", sum.IPv4Sessions)
	fmt.Printf("  IPv6 sessions:   %d\n", sum.IPv6Sessions)
	printCounts("By protocol", sum.ByProtocol)
	printCounts("By rule", sum.ByRule)
	fmt.Printf("Counters:\n")
	fmt.Printf("  Lookups %d, hits %d, installs %d\n", sum.Lookups, sum.Hits, sum.Installs)
	fmt.Printf("  Table full %d, limit exceeded %d\n", sum.TableFull, sum.LimitExceeded)
	fmt.Printf("  Expired %d, rule removed %d, keepalives %d, sweeps %d\n",
		sum.Expired, sum.RuleRemoved, sum.Keepalives, sum.Sweeps)
	if sum.LastSweep != "" {
		fmt.Printf("  Last sweep %s (%.3fs)\n", sum.LastSweep, sum.LastSweepDuration)
	}
	return nil
}

func printCounts(title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  %s:\n", title)
	for _, k := range keys {
		fmt.Printf("    %-10s %d\n", k, m[k])
	}
}

func (c *ctl) showRules() error {
	ctx, cancel := rpcContext()
	defer cancel()
	rl, err := c.client.Rules(ctx)
	if err != nil {
		return err
	}
	if len(rl) == 0 {
		fmt.Println("no rules configured")
		return nil
	}
	fmt.Printf("%-8s %-5s %-11s %-6s %s\n", "Rule", "Gen", "Action", "Proto", "Match")
	for _, r := range rl {
		proto := r.Protocol
		if proto == "" {
			proto = "any"
		}
		var match []string
		if len(r.Sources) > 0 {
			match = append(match, "from "+strings.Join(r.Sources, ","))
		}
		if len(r.Destinations) > 0 {
			match = append(match, "to "+strings.Join(r.Destinations, ","))
		}
		if len(r.Ports) > 0 {
			match = append(match, "port "+strings.Join(r.Ports, ","))
		}
		if r.LimitCount > 0 {
			match = append(match, fmt.Sprintf("limit %s %d", r.LimitFields, r.LimitCount))
		}
		fmt.Printf("%-8d %-5d %-11s %-6s %s\n", r.ID, r.Gen, r.Action, proto, strings.Join(match, " "))
	}
	return nil
}

func (c *ctl) showEvents(args []string) error {
	q := grpcapi.EventQuery{Limit: 50}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "rule":
			if i+1 < len(args) {
				i++
				if v, err := strconv.ParseUint(args[i], 10, 32); err == nil {
					q.Rule = uint32(v)
				}
			}
		case "type":
			if i+1 < len(args) {
				i++
				q.Type = strings.ToUpper(args[i])
			}
		case "protocol":
			if i+1 < len(args) {
				i++
				q.Protocol = args[i]
			}
		case "action":
			if i+1 < len(args) {
				i++
				q.Action = args[i]
			}
		default:
			if v, err := strconv.Atoi(args[i]); err == nil {
				q.Limit = v
			}
		}
	}

	ctx, cancel := rpcContext()
	defer cancel()
	events, err := c.client.Events(ctx, q)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, e := range events {
		if e.Message != "" {
			fmt.Printf("%s %-15s %s\n", e.Time, e.Type, e.Message)
			continue
		}
		fmt.Printf("%s %-15s %s -> %s %s action=%-6s rule=%d.%d entries=%d\n",
			e.Time, e.Type, e.SrcAddr, e.DstAddr, e.Protocol, e.Action,
			e.Rule, e.RuleGen, e.Entries)
	}
	fmt.Printf("(%d events shown)\n", len(events))
	return nil
}

func (c *ctl) handleClear(args []string) error {
	if len(args) == 0 {
		fmt.Println("clear:")
		printChildren("clear")
		return nil
	}
	ctx, cancel := rpcContext()
	defer cancel()

	switch args[0] {
	case "dynamic":
		n, err := c.client.Flush(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d dynamic entries cleared\n", n)
		return nil

	case "rule":
		if len(args) < 2 {
			return fmt.Errorf("usage: clear rule <number>")
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid rule number %q", args[1])
		}
		n, err := c.client.DeleteRule(ctx, uint32(v))
		if err != nil {
			return err
		}
		fmt.Printf("rule %d deleted, %d dynamic entries removed\n", v, n)
		return nil

	default:
		return fmt.Errorf("unknown clear target: %s", args[0])
	}
}

func (c *ctl) sweep() error {
	ctx, cancel := rpcContext()
	defer cancel()
	res, err := c.client.Sweep(ctx)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("sweep skipped (already ran this second), %d entries\n", res.Entries)
		return nil
	}
	fmt.Printf("%d entries reaped, %d keepalives, %d entries remain\n",
		res.Reaped, res.Keepalives, res.Entries)
	return nil
}
