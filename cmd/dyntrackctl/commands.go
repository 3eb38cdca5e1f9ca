package main

import (
	"fmt"
	"sort"
	"strings"
)

// node is one word of the command tree used for help and completion.
type node struct {
	desc     string
	arg      bool // option taking a value; siblings stay available
	children map[string]*node
}

var commandTree = map[string]*node{
	"show": {desc: "Show information", children: map[string]*node{
		"status": {desc: "Show daemon status"},
		"dynamic": {desc: "Show dynamic entries", children: map[string]*node{
			"protocol": {desc: "Filter by protocol", arg: true},
			"rule":     {desc: "Filter by rule number", arg: true},
			"limit":    {desc: "Maximum entries to show", arg: true},
			"summary":  {desc: "Show entry counts"},
		}},
		"summary": {desc: "Show table summary and counters"},
		"rules":   {desc: "Show loaded rules"},
		"events": {desc: "Show recent events", children: map[string]*node{
			"rule":     {desc: "Filter by rule number", arg: true},
			"type":     {desc: "Filter by event type", arg: true},
			"protocol": {desc: "Filter by protocol", arg: true},
			"action":   {desc: "Filter by action", arg: true},
		}},
	}},
	"clear": {desc: "Clear information", children: map[string]*node{
		"dynamic": {desc: "Remove all dynamic entries"},
		"rule":    {desc: "Delete a rule and its entries"},
	}},
	"sweep": {desc: "Run an expiry sweep now"},
	"help":  {desc: "Show help"},
	"quit":  {desc: "Exit CLI"},
	"exit":  {desc: "Exit CLI"},
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// complete returns the candidates for the last word of text.
// Nothing completes after a leaf command.
func complete(text string) (candidates []string, partial string) {
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	level := commandTree
	for _, w := range words {
		n, ok := level[w]
		if !ok || n.arg {
			continue
		}
		if n.children == nil {
			return nil, partial
		}
		level = n.children
	}
	for _, k := range sortedKeys(level) {
		if strings.HasPrefix(k, partial) {
			candidates = append(candidates, k)
		}
	}
	return candidates, partial
}

type completer struct{}

func (completer) Do(line []rune, pos int) ([][]rune, int) {
	candidates, partial := complete(string(line[:pos]))
	var result [][]rune
	for _, c := range candidates {
		result = append(result, []rune(c[len(partial):]+" "))
	}
	return result, len(partial)
}

func printChildren(word string) {
	n := commandTree[word]
	if n == nil {
		return
	}
	for _, k := range sortedKeys(n.children) {
		fmt.Printf("  %-12s %s\n", k, n.children[k].desc)
	}
}

func showHelp() {
	fmt.Println("Operational commands:")
	fmt.Println("  show status                          Show daemon status")
	fmt.Println("  show dynamic [protocol P] [rule N]   Show dynamic entries")
	fmt.Println("  show summary                         Show table summary and counters")
	fmt.Println("  show rules                           Show loaded rules")
	fmt.Println("  show events [N] [type T] [rule N]    Show recent events")
	fmt.Println("  clear dynamic                        Remove all dynamic entries")
	fmt.Println("  clear rule <number>                  Delete a rule and its entries")
	fmt.Println("  sweep                                Run an expiry sweep now")
	fmt.Println("  quit                                 Exit CLI")
}
