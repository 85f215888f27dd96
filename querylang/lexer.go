package querylang

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokNumber
	tokString
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of query"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	case tokQuotedIdent:
		return "`" + t.text + "`"
	case tokParam:
		return "$" + t.text
	}
	return fmt.Sprintf("%q", t.text)
}

var keywords = map[string]bool{
	"SELECT": true, "DISTINCT": true, "FROM": true, "AS": true, "WHERE": true,
	"ORDER": true, "BY": true, "ASC": true, "DESC": true, "LIMIT": true,
	"OFFSET": true, "AND": true, "OR": true, "NOT": true, "IN": true,
	"BETWEEN": true, "IS": true, "NULL": true, "MISSING": true, "VALUED": true,
	"TRUE": true, "FALSE": true, "LIKE": true, "UNNEST": true, "META": true,
}

func isKeyword(s string) bool {
	return keywords[strings.ToUpper(s)]
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' && !prevIsOperand(toks):
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && src[i] >= '0' && src[i] <= '9' {
					i++
				}
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '\'' || c == '"':
			start := i
			s, n, err := lexQuoted(src[i:], c)
			if err != nil {
				return nil, fmt.Errorf("at %d: %w", start, err)
			}
			i += n
			toks = append(toks, token{tokString, s, start})
		case c == '`':
			start := i
			s, n, err := lexQuoted(src[i:], c)
			if err != nil {
				return nil, fmt.Errorf("at %d: %w", start, err)
			}
			i += n
			toks = append(toks, token{tokQuotedIdent, s, start})
		case c == '$':
			start := i
			i++
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			if i == start+1 {
				return nil, fmt.Errorf("at %d: empty parameter name", start)
			}
			toks = append(toks, token{tokParam, src[start+1 : i], start})
		default:
			start := i
			if i+1 < len(src) {
				switch two := src[i : i+2]; two {
				case "||", "==", "!=", "<>", "<=", ">=":
					toks = append(toks, token{tokPunct, two, start})
					i += 2
					continue
				}
			}
			if strings.IndexByte("()[],.*+-/%=<>", c) < 0 {
				return nil, fmt.Errorf("at %d: unexpected character %q", start, c)
			}
			toks = append(toks, token{tokPunct, string(c), start})
			i++
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

// prevIsOperand tells a leading-dot number (.5) apart from a path dot.
func prevIsOperand(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	t := toks[len(toks)-1]
	switch t.kind {
	case tokIdent, tokQuotedIdent, tokNumber, tokString, tokParam:
		return true
	case tokPunct:
		return t.text == ")" || t.text == "]"
	}
	return false
}

// lexQuoted reads a quoted run starting at s[0]; a doubled quote stands for
// itself, and backslash escapes the next character.
func lexQuoted(s string, q byte) (string, int, error) {
	var buf strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		switch {
		case c == q && i+1 < len(s) && s[i+1] == q:
			buf.WriteByte(q)
			i += 2
		case c == q:
			return buf.String(), i + 1, nil
		case c == '\\' && i+1 < len(s):
			buf.WriteByte(unescape(s[i+1]))
			i += 2
		default:
			buf.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated %c", q)
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	}
	return c
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
