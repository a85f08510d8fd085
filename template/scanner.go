package template

import (
	"fmt"
	"strings"
)

type segKind int

const (
	segText segKind = iota
	segExpr
	segCond
)

type segment struct {
	kind     segKind
	text     string
	branches []branch
}

// branch is one arm of an if/elif/else chain. cond is empty for else.
type branch struct {
	cond string
	body []segment
}

type tokKind int

const (
	tokText tokKind = iota
	tokExpr
	tokIf
	tokElif
	tokElse
	tokEnd
)

type token struct {
	kind tokKind
	val  string
}

// findClose locates the closing marker outside of string literals.
func findClose(s string, from int, close string) int {
	inDouble := false
	inSingle := false
	inBacktick := false
	escapeNext := false
	for i := from; i < len(s); i++ {
		c := s[i]
		if escapeNext {
			escapeNext = false
			continue
		}
		if (inDouble || inSingle) && c == '\\' {
			escapeNext = true
			continue
		}
		switch {
		case c == '"' && !inSingle && !inBacktick:
			inDouble = !inDouble
		case c == '\'' && !inDouble && !inBacktick:
			inSingle = !inSingle
		case c == '`' && !inDouble && !inSingle:
			inBacktick = !inBacktick
		}
		if inDouble || inSingle || inBacktick {
			continue
		}
		if strings.HasPrefix(s[i:], close) {
			return i
		}
	}
	return -1
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		openExpr := strings.Index(s[i:], "{{")
		openBlock := strings.Index(s[i:], "{%")

		next := -1
		isBlock := false
		switch {
		case openExpr >= 0 && (openBlock < 0 || openExpr < openBlock):
			next = openExpr
		case openBlock >= 0:
			next = openBlock
			isBlock = true
		}
		if next < 0 {
			toks = append(toks, token{tokText, s[i:]})
			break
		}
		if next > 0 {
			toks = append(toks, token{tokText, s[i : i+next]})
		}
		start := i + next + 2
		if isBlock {
			end := findClose(s, start, "%}")
			if end < 0 {
				return nil, fmt.Errorf("unclosed block tag at offset %d", i+next)
			}
			inner := strings.TrimSpace(s[start:end])
			kw, rest, _ := strings.Cut(inner, " ")
			rest = strings.TrimSpace(rest)
			switch kw {
			case "if":
				if rest == "" {
					return nil, fmt.Errorf("if tag without condition")
				}
				toks = append(toks, token{tokIf, rest})
			case "elif":
				if rest == "" {
					return nil, fmt.Errorf("elif tag without condition")
				}
				toks = append(toks, token{tokElif, rest})
			case "else":
				toks = append(toks, token{tokElse, ""})
			case "endif":
				toks = append(toks, token{tokEnd, ""})
			default:
				return nil, fmt.Errorf("unsupported block tag %q", kw)
			}
			i = end + 2
			continue
		}
		end := findClose(s, start, "}}")
		if end < 0 {
			return nil, fmt.Errorf("unclosed expression at offset %d", i+next)
		}
		toks = append(toks, token{tokExpr, strings.TrimSpace(s[start:end])})
		i = end + 2
	}
	return toks, nil
}

// build assembles segments from pos until it hits a branch terminator.
// depth 0 is top level, where terminators are a syntax error.
func build(toks []token, pos, depth int) ([]segment, token, int, error) {
	var out []segment
	for pos < len(toks) {
		t := toks[pos]
		switch t.kind {
		case tokText:
			out = append(out, segment{kind: segText, text: t.val})
			pos++
		case tokExpr:
			out = append(out, segment{kind: segExpr, text: t.val})
			pos++
		case tokElif, tokElse, tokEnd:
			if depth == 0 {
				return nil, token{}, 0, fmt.Errorf("unexpected block tag outside if")
			}
			return out, t, pos + 1, nil
		case tokIf:
			seg := segment{kind: segCond}
			cond := t.val
			pos++
			for {
				body, stop, next, err := build(toks, pos, depth+1)
				if err != nil {
					return nil, token{}, 0, err
				}
				seg.branches = append(seg.branches, branch{cond: cond, body: body})
				pos = next
				if stop.kind == tokElif {
					cond = stop.val
					continue
				}
				if stop.kind == tokElse {
					body, stop, next, err = build(toks, pos, depth+1)
					if err != nil {
						return nil, token{}, 0, err
					}
					if stop.kind != tokEnd {
						return nil, token{}, 0, fmt.Errorf("expected endif after else")
					}
					seg.branches = append(seg.branches, branch{body: body})
					pos = next
				}
				break
			}
			out = append(out, seg)
		}
	}
	if depth > 0 {
		return nil, token{}, 0, fmt.Errorf("unclosed if block")
	}
	return out, token{}, pos, nil
}

func parseTemplate(s string) ([]segment, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	segs, _, _, err := build(toks, 0, 0)
	return segs, err
}

// singleExpression reports whether the parsed template is exactly one
// interpolation, optionally padded by whitespace. Such templates return
// their evaluated value natively instead of a rendered string.
func singleExpression(segs []segment) (string, bool) {
	expr := ""
	seen := false
	for _, s := range segs {
		switch s.kind {
		case segText:
			if strings.TrimSpace(s.text) != "" {
				return "", false
			}
		case segExpr:
			if seen {
				return "", false
			}
			expr = s.text
			seen = true
		default:
			return "", false
		}
	}
	return expr, seen
}
