// Package config parses the daemon's hierarchical configuration file and
// compiles it into typed settings for the state table, the rule set and
// the system services.
package config

import (
	"fmt"
	"net/netip"
	"strings"
)

// TokenType represents the type of a lexer token. Unquoted words are
// classified so the compiler can tell a lifetime from an address without
// reparsing.
type TokenType int

const (
	TokenLBrace    TokenType = iota // {
	TokenRBrace                     // }
	TokenSemicolon                  // ;

	TokenIdentifier // keyword or name
	TokenNumber     // 300
	TokenDuration   // 90s, 5m, 1h30m
	TokenRange      // 1024-65535
	TokenAddress    // 192.0.2.1, 2001:db8::1
	TokenPrefix     // 10.0.0.0/8
	TokenString     // "quoted string"

	TokenEOF
	TokenError
)

var tokenNames = [...]string{
	TokenLBrace:     "'{'",
	TokenRBrace:     "'}'",
	TokenSemicolon:  "';'",
	TokenIdentifier: "identifier",
	TokenNumber:     "number",
	TokenDuration:   "duration",
	TokenRange:      "range",
	TokenAddress:    "address",
	TokenPrefix:     "prefix",
	TokenString:     "string",
	TokenEOF:        "EOF",
	TokenError:      "error",
}

func (t TokenType) String() string {
	if t >= 0 && int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return "unknown"
}

// IsWord reports whether t can be a key of a statement.
func (t TokenType) IsWord() bool {
	return t >= TokenIdentifier && t <= TokenString
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Type.IsWord() {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes configuration text.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

// NewLexer creates a new Lexer for the given input string.
func NewLexer(input string) *Lexer {
	return &Lexer{
		input:  input,
		line:   1,
		column: 1,
	}
}

// Next returns the next token, advancing the position.
func (l *Lexer) Next() Token {
	l.skipWhitespaceAndComments()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Line: l.line, Column: l.column}
	}

	ch := l.input[l.pos]
	line, col := l.line, l.column

	switch ch {
	case '{':
		l.advance()
		return Token{Type: TokenLBrace, Value: "{", Line: line, Column: col}
	case '}':
		l.advance()
		return Token{Type: TokenRBrace, Value: "}", Line: line, Column: col}
	case ';':
		l.advance()
		return Token{Type: TokenSemicolon, Value: ";", Line: line, Column: col}
	case '[':
		// [ a b c ] lists are flattened into the surrounding keys.
		l.advance()
		return l.Next()
	case ']':
		l.advance()
		return l.Next()
	case '"':
		return l.readString(line, col)
	default:
		if isIdentChar(ch) {
			return l.readIdentifier(line, col)
		}
		l.advance()
		return Token{
			Type:   TokenError,
			Value:  fmt.Sprintf("unexpected character: %c", ch),
			Line:   line,
			Column: col,
		}
	}
}

// Peek returns the next token without advancing.
func (l *Lexer) Peek() Token {
	savedPos := l.pos
	savedLine := l.line
	savedCol := l.column
	tok := l.Next()
	l.pos = savedPos
	l.line = savedLine
	l.column = savedCol
	return tok
}

func (l *Lexer) advance() {
	if l.pos < len(l.input) {
		if l.input[l.pos] == '\n' {
			l.line++
			l.column = 1
		} else {
			l.column++
		}
		l.pos++
	}
}

func (l *Lexer) skipWhitespaceAndComments() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]

		// Whitespace
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			l.advance()
			continue
		}

		// Line comment: # ... \n
		if ch == '#' {
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.advance()
			}
			continue
		}

		// Block comment: /* ... */
		if ch == '/' && l.pos+1 < len(l.input) && l.input[l.pos+1] == '*' {
			l.advance() // /
			l.advance() // *
			for l.pos+1 < len(l.input) {
				if l.input[l.pos] == '*' && l.input[l.pos+1] == '/' {
					l.advance() // *
					l.advance() // /
					break
				}
				l.advance()
			}
			continue
		}

		// Line comment: // ... \n
		if ch == '/' && l.pos+1 < len(l.input) && l.input[l.pos+1] == '/' {
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.advance()
			}
			continue
		}

		break
	}
}

func (l *Lexer) readString(line, col int) Token {
	l.advance() // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			l.advance()
			switch l.input[l.pos] {
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte('\\')
				b.WriteByte(l.input[l.pos])
			}
			l.advance()
			continue
		}
		if ch == '"' {
			l.advance()
			return Token{Type: TokenString, Value: b.String(), Line: line, Column: col}
		}
		b.WriteByte(ch)
		l.advance()
	}
	return Token{Type: TokenError, Value: "unterminated string", Line: line, Column: col}
}

func (l *Lexer) readIdentifier(line, col int) Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		l.pos++
		l.column++
	}
	word := l.input[start:l.pos]
	return Token{Type: classifyWord(word), Value: word, Line: line, Column: col}
}

// classifyWord types an unquoted word.
func classifyWord(w string) TokenType {
	switch {
	case isDigits(w):
		return TokenNumber
	case isDuration(w):
		return TokenDuration
	}
	if lo, hi, ok := strings.Cut(w, "-"); ok && isDigits(lo) && isDigits(hi) {
		return TokenRange
	}
	if strings.Contains(w, "/") {
		if _, err := netip.ParsePrefix(w); err == nil {
			return TokenPrefix
		}
		return TokenIdentifier
	}
	if _, err := netip.ParseAddr(w); err == nil {
		return TokenAddress
	}
	return TokenIdentifier
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isDuration matches one or more <digits><h|m|s> groups.
func isDuration(s string) bool {
	if s == "" {
		return false
	}
	digits := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == 'h' || c == 'm' || c == 's':
			if digits == 0 {
				return false
			}
			digits = 0
		default:
			return false
		}
	}
	return digits == 0
}

// isIdentChar returns true if ch is valid in an unquoted identifier:
// letters, digits and "-_./:*+". This covers prefixes (10.0.1.0/24),
// IPv6 addresses, host:port pairs, port ranges and interface names.
func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_' || ch == '.' ||
		ch == '/' || ch == ':' || ch == '*' || ch == '+'
}
