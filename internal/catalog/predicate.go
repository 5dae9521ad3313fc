package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Field is a searchable manifest field.
type Field string

const (
	FieldID                Field = "id"
	FieldName              Field = "name"
	FieldMoniker           Field = "moniker"
	FieldTag               Field = "tag"
	FieldCommand           Field = "command"
	FieldPackageFamilyName Field = "package_family_name"
	FieldProductCode       Field = "product_code"
	FieldPublisher         Field = "publisher"
)

// Fields lists every searchable field in ranking order.
var Fields = []Field{
	FieldID,
	FieldName,
	FieldMoniker,
	FieldTag,
	FieldCommand,
	FieldPackageFamilyName,
	FieldProductCode,
	FieldPublisher,
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	for _, k := range Fields {
		if k == f {
			return true
		}
	}
	return false
}

// Rank is the field's position in Fields; lower ranks first.
func (f Field) Rank() int {
	for i, k := range Fields {
		if k == f {
			return i
		}
	}
	return len(Fields)
}

// MatchType says how a predicate value is compared with a field value.
// The constants are ordered from most to least specific.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchCaseInsensitive
	MatchStartsWith
	MatchSubstring
	MatchFuzzy
)

var matchNames = map[MatchType]string{
	MatchExact:           "exact",
	MatchCaseInsensitive: "case-insensitive",
	MatchStartsWith:      "starts-with",
	MatchSubstring:       "substring",
	MatchFuzzy:           "fuzzy",
}

func (m MatchType) String() string {
	if s, ok := matchNames[m]; ok {
		return s
	}
	return fmt.Sprintf("match(%d)", int(m))
}

// Valid reports whether m is a known match type.
func (m MatchType) Valid() bool {
	_, ok := matchNames[m]
	return ok
}

// ParseMatchType converts a name produced by String back to a MatchType.
func ParseMatchType(s string) (MatchType, error) {
	for k, v := range matchNames {
		if strings.EqualFold(v, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown match type %q", s)
}

// ErrInvalidPredicate is returned for predicates that cannot be evaluated.
var ErrInvalidPredicate = errors.New("invalid predicate")

// Predicate restricts results to manifests whose Field matches Value.
type Predicate struct {
	Field Field
	Match MatchType
	Value string
}

// Validate reports malformed predicates.
func (p Predicate) Validate() error {
	if !p.Field.Valid() {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidPredicate, p.Field)
	}
	if !p.Match.Valid() {
		return fmt.Errorf("%w: unknown match type %d", ErrInvalidPredicate, int(p.Match))
	}
	if p.Value == "" {
		return fmt.Errorf("%w: empty value for field %s", ErrInvalidPredicate, p.Field)
	}
	return nil
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %q", p.Field, p.Match, p.Value)
}

// Matches reports whether candidate satisfies match type m against value.
func Matches(m MatchType, value, candidate string) bool {
	switch m {
	case MatchExact:
		return candidate == value
	case MatchCaseInsensitive:
		return strings.EqualFold(candidate, value)
	case MatchStartsWith:
		return len(candidate) >= len(value) && strings.EqualFold(candidate[:len(value)], value)
	case MatchSubstring:
		return strings.Contains(strings.ToLower(candidate), strings.ToLower(value))
	case MatchFuzzy:
		return len(fuzzy.Find(value, []string{candidate})) > 0
	}
	return false
}

// FieldValues returns the values of f on m.
func (m *Manifest) FieldValues(f Field) []string {
	switch f {
	case FieldID:
		return []string{m.ID}
	case FieldName:
		return []string{m.Name}
	case FieldMoniker:
		if m.Moniker == "" {
			return nil
		}
		return []string{m.Moniker}
	case FieldPublisher:
		return []string{m.Publisher}
	case FieldTag:
		return m.Tags
	case FieldCommand:
		return m.Commands
	case FieldPackageFamilyName:
		return m.PackageFamilyNames
	case FieldProductCode:
		return m.ProductCodes
	}
	return nil
}

// MatchesPredicate evaluates p against m.
func (m *Manifest) MatchesPredicate(p Predicate) bool {
	for _, v := range m.FieldValues(p.Field) {
		if Matches(p.Match, p.Value, v) {
			return true
		}
	}
	return false
}
