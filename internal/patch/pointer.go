package patch

import (
	"fmt"
	"strconv"
	"strings"
)

// Pointer is a JSON Pointer (RFC 6901) pre-split into unescaped reference
// tokens. The empty Pointer addresses the document root.
type Pointer []string

// ParsePointer parses a JSON Pointer string once so operations never
// re-parse paths during application.
func ParsePointer(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("invalid pointer %q: must be empty or start with '/'", s)
	}

	raw := strings.Split(s[1:], "/")
	tokens := make(Pointer, len(raw))
	for i, tok := range raw {
		unescaped, err := unescapeToken(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid pointer %q: %w", s, err)
		}
		tokens[i] = unescaped
	}
	return tokens, nil
}

// MustParsePointer is like ParsePointer but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustParsePointer(s string) Pointer {
	p, err := ParsePointer(s)
	if err != nil {
		panic(err)
	}
	return p
}

// unescapeToken decodes ~1 to '/' and ~0 to '~'. Any other '~' sequence is
// invalid.
func unescapeToken(tok string) (string, error) {
	if !strings.Contains(tok, "~") {
		return tok, nil
	}
	var b strings.Builder
	for i := 0; i < len(tok); i++ {
		if tok[i] != '~' {
			b.WriteByte(tok[i])
			continue
		}
		if i+1 >= len(tok) {
			return "", fmt.Errorf("dangling '~' in token %q", tok)
		}
		switch tok[i+1] {
		case '0':
			b.WriteByte('~')
		case '1':
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("invalid escape '~%c' in token %q", tok[i+1], tok)
		}
		i++
	}
	return b.String(), nil
}

// String renders the pointer back to its RFC 6901 form.
func (p Pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, tok := range p {
		b.WriteByte('/')
		tok = strings.ReplaceAll(tok, "~", "~0")
		tok = strings.ReplaceAll(tok, "/", "~1")
		b.WriteString(tok)
	}
	return b.String()
}

// IsProperPrefixOf reports whether p addresses a strict ancestor of q.
func (p Pointer) IsProperPrefixOf(q Pointer) bool {
	if len(p) >= len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// arrayIndex resolves an array reference token. "-" addresses the slot past
// the end and is accepted only when allowEnd is set (add operations).
func arrayIndex(tok string, length int, allowEnd bool) (int, error) {
	if tok == "-" {
		if allowEnd {
			return length, nil
		}
		return 0, fmt.Errorf("index '-' is only valid for add")
	}
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, fmt.Errorf("invalid array index %q", tok)
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid array index %q", tok)
		}
	}
	idx, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", tok)
	}

	limit := length - 1
	if allowEnd {
		limit = length
	}
	if idx > limit {
		return 0, fmt.Errorf("array index %d out of range (length %d)", idx, length)
	}
	return idx, nil
}
