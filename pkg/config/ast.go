package config

import (
	"fmt"
	"strings"
)

// Node represents a node in the configuration tree.
// It is either a leaf (terminated by ;) or a block (containing children in {}).
type Node struct {
	// Keys is the sequence of identifiers forming this node's identity.
	// Examples:
	//   "dynamic-state"       -> ["dynamic-state"]
	//   "rule 100"            -> ["rule", "100"]
	//   "destination-port 22" -> ["destination-port", "22"]
	Keys []string

	// Kinds holds the lexer's classification of each key. Nodes built by
	// hand may leave it short; use KeyKind.
	Kinds []TokenType

	// Children are the nodes within this block's braces.
	// nil for leaf nodes.
	Children []*Node

	// IsLeaf is true when the node is terminated by ; (no block body).
	IsLeaf bool

	// Line/Column where this node starts (for error reporting).
	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// KeyPath returns the full key path as a single string.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// KeyKind returns the token type of key i.
func (n *Node) KeyKind(i int) TokenType {
	if i < len(n.Kinds) {
		return n.Kinds[i]
	}
	return classifyWord(n.Keys[i])
}

// Args returns the keys after the name.
func (n *Node) Args() []string {
	if len(n.Keys) < 2 {
		return nil
	}
	return n.Keys[1:]
}

// FindChild returns the first child whose first key matches name.
func (n *Node) FindChild(name string) *Node {
	for _, child := range n.Children {
		if len(child.Keys) > 0 && child.Keys[0] == name {
			return child
		}
	}
	return nil
}

// FindChildren returns all children whose first key matches name.
func (n *Node) FindChildren(name string) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if len(child.Keys) > 0 && child.Keys[0] == name {
			result = append(result, child)
		}
	}
	return result
}

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level child matching name.
func (t *ConfigTree) FindChild(name string) *Node {
	for _, child := range t.Children {
		if len(child.Keys) > 0 && child.Keys[0] == name {
			return child
		}
	}
	return nil
}

// Clone creates a deep copy of the config tree.
func (t *ConfigTree) Clone() *ConfigTree {
	if t == nil {
		return nil
	}
	return &ConfigTree{
		Children: cloneNodes(t.Children),
	}
}

func cloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	result := make([]*Node, len(nodes))
	for i, n := range nodes {
		result[i] = &Node{
			Keys:     append([]string(nil), n.Keys...),
			Kinds:    append([]TokenType(nil), n.Kinds...),
			Children: cloneNodes(n.Children),
			IsLeaf:   n.IsLeaf,
			Line:     n.Line,
			Column:   n.Column,
		}
	}
	return result
}

// Format renders the tree as hierarchical configuration text.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	prefix := strings.Repeat("    ", indent)
	for _, n := range nodes {
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", prefix, formatKeys(n.Keys))
		} else {
			fmt.Fprintf(b, "%s%s {\n", prefix, formatKeys(n.Keys))
			formatNodes(b, n.Children, indent+1)
			fmt.Fprintf(b, "%s}\n", prefix)
		}
	}
}

// FormatSet renders the tree as flat "set" commands.
func (t *ConfigTree) FormatSet() string {
	var b strings.Builder
	formatSetNodes(&b, t.Children, nil)
	return b.String()
}

func formatSetNodes(b *strings.Builder, nodes []*Node, prefix []string) {
	for _, n := range nodes {
		path := append(append([]string(nil), prefix...), n.Keys...)
		if n.IsLeaf {
			fmt.Fprintf(b, "set %s\n", formatKeys(path))
		} else {
			formatSetNodes(b, n.Children, path)
		}
	}
}

// formatKeys joins keys, quoting those the lexer would not read back as a
// single identifier.
func formatKeys(keys []string) string {
	out := make([]string, len(keys))
	for i, k := range keys {
		if needsQuote(k) {
			out[i] = fmt.Sprintf("%q", k)
		} else {
			out[i] = k
		}
	}
	return strings.Join(out, " ")
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return true
		}
	}
	return false
}
