// Package wat converts the flat subset of the WebAssembly text format this
// repository's tests and examples use into the binary format. It is a
// convenience frontend: anything beyond the subset should be converted with
// an external tool and fed in as binary.
package wat

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokLParen tokenKind = iota
	tokRParen
	tokAtom   // keywords, numbers, ids
	tokString // quoted, already unescaped
)

type token struct {
	kind tokenKind
	text string
	line int
}

type lexer struct {
	src  string
	pos  int
	line int
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src, line: 1}
	var toks []token
	for {
		t, ok, err := l.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return toks, nil
		}
		toks = append(toks, t)
	}
}

func (l *lexer) next() (token, bool, error) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == ';' && l.pos+1 < len(l.src) && l.src[l.pos+1] == ';':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '(' && l.pos+1 < len(l.src) && l.src[l.pos+1] == ';':
			depth := 1
			l.pos += 2
			for l.pos < len(l.src) && depth > 0 {
				if strings.HasPrefix(l.src[l.pos:], "(;") {
					depth++
					l.pos += 2
				} else if strings.HasPrefix(l.src[l.pos:], ";)") {
					depth--
					l.pos += 2
				} else {
					if l.src[l.pos] == '\n' {
						l.line++
					}
					l.pos++
				}
			}
			if depth > 0 {
				return token{}, false, fmt.Errorf("line %d: unterminated block comment", l.line)
			}
		case c == '(':
			l.pos++
			return token{kind: tokLParen, line: l.line}, true, nil
		case c == ')':
			l.pos++
			return token{kind: tokRParen, line: l.line}, true, nil
		case c == '"':
			s, err := l.lexString()
			if err != nil {
				return token{}, false, err
			}
			return token{kind: tokString, text: s, line: l.line}, true, nil
		default:
			start := l.pos
			for l.pos < len(l.src) && !strings.ContainsRune(" \t\r\n();\"", rune(l.src[l.pos])) {
				l.pos++
			}
			return token{kind: tokAtom, text: l.src[start:l.pos], line: l.line}, true, nil
		}
	}
	return token{}, false, nil
}

func (l *lexer) lexString() (string, error) {
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '"':
			l.pos++
			return b.String(), nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return "", fmt.Errorf("line %d: unterminated escape", l.line)
			}
			e := l.src[l.pos+1]
			switch e {
			case 'n':
				b.WriteByte('\n')
				l.pos += 2
			case 't':
				b.WriteByte('\t')
				l.pos += 2
			case 'r':
				b.WriteByte('\r')
				l.pos += 2
			case '\\', '"', '\'':
				b.WriteByte(e)
				l.pos += 2
			default:
				// Two hex digits.
				if l.pos+2 >= len(l.src) {
					return "", fmt.Errorf("line %d: truncated hex escape", l.line)
				}
				hi, ok1 := hexVal(l.src[l.pos+1])
				lo, ok2 := hexVal(l.src[l.pos+2])
				if !ok1 || !ok2 {
					return "", fmt.Errorf("line %d: invalid escape \\%c%c", l.line, l.src[l.pos+1], l.src[l.pos+2])
				}
				b.WriteByte(hi<<4 | lo)
				l.pos += 3
			}
		case '\n':
			return "", fmt.Errorf("line %d: newline in string", l.line)
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return "", fmt.Errorf("line %d: unterminated string", l.line)
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
