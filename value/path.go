package value

import (
	"strconv"
	"strings"

	"github.com/andreyvit/syncdb/dberr"
)

// PathComponent is a dictionary key or, when IsIndex is set, an array index.
// Negative indexes count from the end.
type PathComponent struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a parsed key path such as `address.lines[0]`. A literal dot or
// bracket inside a key is escaped with a backslash.
type Path []PathComponent

func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "empty path")
	}
	var p Path
	var key strings.Builder
	haveKey := false
	flush := func() {
		if haveKey {
			p = append(p, PathComponent{Key: key.String()})
			key.Reset()
			haveKey = false
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "dangling escape in path %q", s)
			}
			i++
			key.WriteByte(s[i])
			haveKey = true
		case '.':
			if !haveKey && (i == 0 || s[i-1] != ']') {
				return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "empty key in path %q", s)
			}
			flush()
		case '[':
			flush()
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "unterminated index in path %q", s)
			}
			n, err := strconv.Atoi(s[i+1 : i+end])
			if err != nil {
				return nil, dberr.Wrap(dberr.DomainEngine, dberr.BadParameterCode, err, "bad index in path %q", s)
			}
			p = append(p, PathComponent{Index: n, IsIndex: true})
			i += end
		default:
			key.WriteByte(c)
			haveKey = true
		}
	}
	if !haveKey && len(p) > 0 && s[len(s)-1] == '.' {
		return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "empty key in path %q", s)
	}
	flush()
	return p, nil
}

// MustParsePath is ParsePath for constant paths.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	var buf strings.Builder
	for i, c := range p {
		if c.IsIndex {
			buf.WriteByte('[')
			buf.WriteString(strconv.Itoa(c.Index))
			buf.WriteByte(']')
			continue
		}
		if i > 0 {
			buf.WriteByte('.')
		}
		for j := 0; j < len(c.Key); j++ {
			switch c.Key[j] {
			case '.', '[', ']', '\\':
				buf.WriteByte('\\')
			}
			buf.WriteByte(c.Key[j])
		}
	}
	return buf.String()
}

// Eval walks root along the path. It reports false when any component is
// absent or applied to a value of the wrong kind.
func (p Path) Eval(root any) (any, bool) {
	cur := root
	for _, c := range p {
		if c.IsIndex {
			arr, ok := cur.(Array)
			if !ok {
				return nil, false
			}
			i := c.Index
			if i < 0 {
				i += len(arr)
			}
			if i < 0 || i >= len(arr) {
				return nil, false
			}
			cur = arr[i]
		} else {
			d, ok := cur.(Dict)
			if !ok {
				return nil, false
			}
			cur, ok = d[c.Key]
			if !ok {
				return nil, false
			}
		}
	}
	return cur, true
}

// HasPrefix reports whether q is a prefix of p.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}
