// Package version implements the ordering rule used for package versions.
//
// A version string is split on '.'. Every part is a leading unsigned integer
// followed by an optional suffix ("2-beta" is 2 and "-beta"). Parts compare by
// integer first and then by suffix, case-insensitively, where an empty suffix
// sorts after a non-empty one so that "1.0" > "1.0-rc". A part without leading
// digits has integer 0. Trailing zero parts are ignored ("1.0" == "1.0.0") and a
// leading "v" is dropped. The reserved strings "Unknown" and "Latest" sort below
// and above every other version respectively.
package version

import (
	"sort"
	"strconv"
	"strings"
)

const (
	// Unknown is the reserved lowest version.
	Unknown = "Unknown"
	// Latest is the reserved highest version.
	Latest = "Latest"
)

type part struct {
	num   uint64
	other string
}

// Version is a parsed version string.
type Version struct {
	raw   string
	parts []part
	kind  int // -1 unknown, 0 regular, 1 latest
}

// Parse parses s. Parsing never fails; any string has a place in the order.
func Parse(s string) Version {
	raw := strings.TrimSpace(s)
	v := Version{raw: raw}
	switch {
	case strings.EqualFold(raw, Unknown) || raw == "":
		v.kind = -1
		return v
	case strings.EqualFold(raw, Latest):
		v.kind = 1
		return v
	}

	trimmed := raw
	if len(trimmed) > 1 && (trimmed[0] == 'v' || trimmed[0] == 'V') && trimmed[1] >= '0' && trimmed[1] <= '9' {
		trimmed = trimmed[1:]
	}
	for _, seg := range strings.Split(trimmed, ".") {
		v.parts = append(v.parts, parsePart(seg))
	}
	// Trailing zeros carry no information.
	for len(v.parts) > 0 {
		last := v.parts[len(v.parts)-1]
		if last.num != 0 || last.other != "" {
			break
		}
		v.parts = v.parts[:len(v.parts)-1]
	}
	return v
}

func parsePart(seg string) part {
	seg = strings.TrimSpace(seg)
	i := 0
	for i < len(seg) && seg[i] >= '0' && seg[i] <= '9' {
		i++
	}
	var p part
	if i > 0 {
		n, err := strconv.ParseUint(seg[:i], 10, 64)
		if err != nil {
			// Overflowing integers are treated as their text.
			p.other = seg
			return p
		}
		p.num = n
	}
	p.other = seg[i:]
	return p
}

// String returns the original text.
func (v Version) String() string { return v.raw }

// IsUnknown reports whether v is the reserved Unknown version.
func (v Version) IsUnknown() bool { return v.kind == -1 }

// IsLatest reports whether v is the reserved Latest version.
func (v Version) IsLatest() bool { return v.kind == 1 }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	if v.kind != 0 {
		return 0
	}
	n := len(v.parts)
	if len(o.parts) > n {
		n = len(o.parts)
	}
	for i := 0; i < n; i++ {
		var a, b part
		if i < len(v.parts) {
			a = v.parts[i]
		}
		if i < len(o.parts) {
			b = o.parts[i]
		}
		if c := comparePart(a, b); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(a, b part) int {
	if a.num != b.num {
		if a.num < b.num {
			return -1
		}
		return 1
	}
	if a.other == b.other {
		return 0
	}
	if a.other == "" {
		return 1
	}
	if b.other == "" {
		return -1
	}
	la, lb := strings.ToLower(a.other), strings.ToLower(b.other)
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	}
	return 0
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Equal reports whether v and o are the same position in the order.
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// Compare compares two version strings.
func Compare(a, b string) int { return Parse(a).Compare(Parse(b)) }

// SortDescending sorts versions from highest to lowest, keeping the original
// text order for equal versions so output stays deterministic.
func SortDescending(vs []string) {
	sort.SliceStable(vs, func(i, j int) bool {
		c := Compare(vs[i], vs[j])
		if c == 0 {
			return vs[i] < vs[j]
		}
		return c > 0
	})
}

// Max returns the highest version in vs, or "" if vs is empty.
func Max(vs []string) string {
	var best string
	for i, v := range vs {
		if i == 0 || Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}
