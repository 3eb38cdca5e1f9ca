package config

import "fmt"

// ParseError is a syntax error at a position in the input.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, e.Msg)
}

// Parser builds a ConfigTree from configuration text. Statements are
// sequences of words ended by ';' (leaf) or followed by
// a '{ ... }' block.
type Parser struct {
	lex    *Lexer
	tok    Token
	errors []error
}

// NewParser creates a parser for input.
func NewParser(input string) *Parser {
	p := &Parser{lex: NewLexer(input)}
	p.next()
	return p
}

// Parse parses the whole input. It keeps going after errors, skipping to
// the next statement, and returns every error found along with the
// partial tree.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{}
	tree.Children = p.parseNodes(false)
	return tree, p.errors
}

func (p *Parser) next() {
	p.tok = p.lex.Next()
}

func (p *Parser) errorf(tok Token, format string, args ...any) {
	p.errors = append(p.errors, &ParseError{
		Line:   tok.Line,
		Column: tok.Column,
		Msg:    fmt.Sprintf(format, args...),
	})
}

// parseNodes reads statements until EOF or, inside a block, the closing
// brace (which is consumed).
func (p *Parser) parseNodes(inBlock bool) []*Node {
	var nodes []*Node
	for {
		switch p.tok.Type {
		case TokenEOF:
			if inBlock {
				p.errorf(p.tok, "unexpected EOF, missing '}'")
			}
			return nodes
		case TokenRBrace:
			if inBlock {
				p.next()
				return nodes
			}
			p.errorf(p.tok, "unexpected '}'")
			p.next()
			continue
		case TokenSemicolon:
			// Empty statement.
			p.next()
			continue
		}
		if n := p.parseStatement(); n != nil {
			nodes = append(nodes, n)
		}
	}
}

func (p *Parser) parseStatement() *Node {
	n := &Node{Line: p.tok.Line, Column: p.tok.Column}
	for {
		if p.tok.Type.IsWord() {
			n.Keys = append(n.Keys, p.tok.Value)
			n.Kinds = append(n.Kinds, p.tok.Type)
			p.next()
			continue
		}
		switch p.tok.Type {
		case TokenSemicolon:
			p.next()
			n.IsLeaf = true
			return n
		case TokenLBrace:
			if len(n.Keys) == 0 {
				p.errorf(p.tok, "block without a name")
			}
			p.next()
			n.Children = p.parseNodes(true)
			if n.Children == nil {
				n.Children = []*Node{}
			}
			if len(n.Keys) == 0 {
				return nil
			}
			return n
		case TokenError:
			p.errorf(p.tok, "%s", p.tok.Value)
			p.recover()
			return nil
		case TokenEOF:
			p.errorf(p.tok, "unexpected EOF after %q, missing ';'", n.KeyPath())
			return nil
		case TokenRBrace:
			// Leave the brace for the enclosing block.
			p.errorf(p.tok, "missing ';' after %q", n.KeyPath())
			return nil
		default:
			p.errorf(p.tok, "unexpected %s", p.tok.Type)
			p.recover()
			return nil
		}
	}
}

// recover skips to the end of the current statement.
func (p *Parser) recover() {
	for {
		switch p.tok.Type {
		case TokenEOF, TokenRBrace:
			return
		case TokenSemicolon:
			p.next()
			return
		}
		p.next()
	}
}
