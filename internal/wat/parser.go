package wat

import (
	"fmt"
	"strconv"
	"strings"
)

// sexpr is one node of the parsed tree: either an atom/string or a list.
type sexpr struct {
	atom   string
	isStr  bool
	isAtom bool
	list   []*sexpr
	line   int
}

func parse(toks []token) (*sexpr, error) {
	pos := 0
	var parseOne func() (*sexpr, error)
	parseOne = func() (*sexpr, error) {
		if pos >= len(toks) {
			return nil, fmt.Errorf("unexpected end of input")
		}
		t := toks[pos]
		pos++
		switch t.kind {
		case tokAtom:
			return &sexpr{atom: t.text, isAtom: true, line: t.line}, nil
		case tokString:
			return &sexpr{atom: t.text, isStr: true, line: t.line}, nil
		case tokLParen:
			node := &sexpr{line: t.line}
			for {
				if pos >= len(toks) {
					return nil, fmt.Errorf("line %d: unclosed paren", t.line)
				}
				if toks[pos].kind == tokRParen {
					pos++
					return node, nil
				}
				child, err := parseOne()
				if err != nil {
					return nil, err
				}
				node.list = append(node.list, child)
			}
		default:
			return nil, fmt.Errorf("line %d: unexpected )", t.line)
		}
	}

	root, err := parseOne()
	if err != nil {
		return nil, err
	}
	if pos != len(toks) {
		return nil, fmt.Errorf("line %d: trailing tokens after module", toks[pos].line)
	}
	return root, nil
}

func (s *sexpr) isList() bool  { return !s.isAtom && !s.isStr }
func (s *sexpr) head() string {
	if s.isList() && len(s.list) > 0 && s.list[0].isAtom {
		return s.list[0].atom
	}
	return ""
}

func (s *sexpr) String() string {
	switch {
	case s.isAtom:
		return s.atom
	case s.isStr:
		return strconv.Quote(s.atom)
	default:
		parts := make([]string, len(s.list))
		for i, c := range s.list {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	}
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func parseI32(s string) (int32, error) {
	if v, err := strconv.ParseInt(s, 0, 32); err == nil {
		return int32(v), nil
	}
	// Accept the unsigned form for the full 32-bit pattern.
	v, err := strconv.ParseUint(s, 0, 32)
	return int32(v), err
}

func parseI64(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	return int64(v), err
}
