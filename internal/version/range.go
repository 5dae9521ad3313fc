package version

import (
	"fmt"
	"strings"
)

type op int

const (
	opEQ op = iota
	opNE
	opLT
	opLE
	opGT
	opGE
	opPrefix
)

type constraint struct {
	op     op
	ver    Version
	prefix []part
	raw    string
}

// Range is a conjunction of version constraints, e.g. ">=1.0 <2.0" or "1.2.*".
type Range struct {
	text        string
	constraints []constraint
}

// ParseRange parses a range expression. Constraints are separated by
// whitespace or commas and must all hold. A bare version means "=".
// A trailing ".*" gates on a prefix: "1.2.*" holds for 1.2 and 1.2.3 but not 1.3.
func ParseRange(s string) (Range, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return Range{}, fmt.Errorf("empty version range")
	}
	r := Range{text: text}
	fields := strings.FieldsFunc(text, func(c rune) bool { return c == ',' || c == ' ' || c == '\t' })

	// Allow "< 2.0" with a space between operator and operand.
	var tokens []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if isOperator(f) {
			if i+1 >= len(fields) {
				return Range{}, fmt.Errorf("version range %q: operator %q without version", text, f)
			}
			f += fields[i+1]
			i++
		}
		tokens = append(tokens, f)
	}

	for _, tok := range tokens {
		c, err := parseConstraint(tok)
		if err != nil {
			return Range{}, fmt.Errorf("version range %q: %w", text, err)
		}
		r.constraints = append(r.constraints, c)
	}
	return r, nil
}

// MustParseRange is ParseRange for literals known to be valid.
func MustParseRange(s string) Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

func isOperator(s string) bool {
	switch s {
	case "<", "<=", ">", ">=", "=", "==", "!=":
		return true
	}
	return false
}

func parseConstraint(tok string) (constraint, error) {
	var o op
	rest := tok
	switch {
	case strings.HasPrefix(tok, "<="):
		o, rest = opLE, tok[2:]
	case strings.HasPrefix(tok, ">="):
		o, rest = opGE, tok[2:]
	case strings.HasPrefix(tok, "!="):
		o, rest = opNE, tok[2:]
	case strings.HasPrefix(tok, "=="):
		o, rest = opEQ, tok[2:]
	case strings.HasPrefix(tok, "<"):
		o, rest = opLT, tok[1:]
	case strings.HasPrefix(tok, ">"):
		o, rest = opGT, tok[1:]
	case strings.HasPrefix(tok, "="):
		o, rest = opEQ, tok[1:]
	default:
		o = opEQ
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return constraint{}, fmt.Errorf("missing version after operator in %q", tok)
	}
	if strings.ContainsAny(rest, "<>=!") {
		return constraint{}, fmt.Errorf("malformed constraint %q", tok)
	}
	if strings.HasSuffix(rest, "*") {
		if o != opEQ {
			return constraint{}, fmt.Errorf("wildcard only allowed without operator: %q", tok)
		}
		prefix := strings.TrimSuffix(strings.TrimSuffix(rest, "*"), ".")
		if prefix == "" {
			return constraint{}, fmt.Errorf("wildcard needs a prefix: %q", tok)
		}
		var parts []part
		for _, seg := range strings.Split(strings.TrimPrefix(strings.TrimPrefix(prefix, "v"), "V"), ".") {
			parts = append(parts, parsePart(seg))
		}
		return constraint{op: opPrefix, prefix: parts, raw: prefix}, nil
	}
	return constraint{op: o, ver: Parse(rest), raw: rest}, nil
}

// String returns the expression the range was parsed from.
func (r Range) String() string { return r.text }

// IsZero reports whether r was never parsed.
func (r Range) IsZero() bool { return len(r.constraints) == 0 }

// Contains reports whether v satisfies every constraint.
func (r Range) Contains(v Version) bool {
	if r.IsZero() {
		return false
	}
	for _, c := range r.constraints {
		if !c.holds(v) {
			return false
		}
	}
	return true
}

// ContainsString parses s and reports whether it satisfies r.
func (r Range) ContainsString(s string) bool { return r.Contains(Parse(s)) }

func (c constraint) holds(v Version) bool {
	cmp := v.Compare(c.ver)
	switch c.op {
	case opEQ:
		return cmp == 0
	case opNE:
		return cmp != 0
	case opLT:
		return cmp < 0
	case opLE:
		return cmp <= 0
	case opGT:
		return cmp > 0
	case opGE:
		return cmp >= 0
	case opPrefix:
		return hasPrefix(v, c.prefix)
	}
	return false
}

// hasPrefix reports whether the leading parts of v equal prefix. Missing parts
// in v count as zero, so "1" matches the prefix "1.0".
func hasPrefix(v Version, prefix []part) bool {
	if v.kind != 0 {
		return false
	}
	for i, p := range prefix {
		var got part
		if i < len(v.parts) {
			got = v.parts[i]
		}
		if got.num != p.num || !strings.EqualFold(got.other, p.other) {
			return false
		}
	}
	return true
}

// Highest returns the highest version among candidates that satisfies r.
func (r Range) Highest(candidates []string) (string, bool) {
	var best string
	found := false
	for _, c := range candidates {
		if !r.ContainsString(c) {
			continue
		}
		if !found || Compare(c, best) > 0 {
			best = c
			found = true
		}
	}
	return best, found
}
