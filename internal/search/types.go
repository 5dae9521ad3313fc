// Package search builds and runs ranked queries over local index stores.
package search

import (
	"fmt"
	"strings"

	"github.com/kamusis/pkgidx/internal/catalog"
)

// NoLimit disables result truncation.
const NoLimit = -1

// DefaultFields are searched by a term that names no fields.
var DefaultFields = []catalog.Field{
	catalog.FieldID,
	catalog.FieldName,
	catalog.FieldMoniker,
	catalog.FieldTag,
	catalog.FieldCommand,
}

// ErrInvalidPredicate is returned for malformed terms and filters.
var ErrInvalidPredicate = catalog.ErrInvalidPredicate

// Term is the primary search text. It matches a manifest when any of its
// fields matches.
type Term struct {
	Value  string
	Match  catalog.MatchType
	Fields []catalog.Field
}

// Query is a term plus filters. Every filter must match.
type Query struct {
	Term    *Term
	Filters []catalog.Predicate
	// Limit caps the results: NoLimit for all, 0 for none.
	Limit int
}

// IsEmpty reports whether q has neither a term nor filters.
func (q Query) IsEmpty() bool {
	return q.term() == nil && len(q.Filters) == 0
}

func (q Query) term() *Term {
	if q.Term == nil || strings.TrimSpace(q.Term.Value) == "" {
		return nil
	}
	return q.Term
}

// Validate reports malformed terms and filters.
func (q Query) Validate() error {
	if t := q.term(); t != nil {
		if !t.Match.Valid() {
			return fmt.Errorf("%w: unknown match type %d", ErrInvalidPredicate, int(t.Match))
		}
		for _, f := range t.Fields {
			if !f.Valid() {
				return fmt.Errorf("%w: unknown field %q", ErrInvalidPredicate, f)
			}
		}
	}
	for _, p := range q.Filters {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Term) fields() []catalog.Field {
	if len(t.Fields) == 0 {
		return DefaultFields
	}
	return t.Fields
}

// MatchResult is one ranked hit.
type MatchResult struct {
	Manifest catalog.Manifest
	// Source is set by Aggregate.
	Source string
	// Field and Match describe the best way the term matched; both are zero
	// for queries without a term.
	Field catalog.Field
	Match catalog.MatchType
	// Value is the field value the term matched.
	Value string

	// tier is 0 for an ID equal to the term, 1 for an equal name, 2 otherwise.
	tier int
}

// SourceError records a source that could not be searched.
type SourceError struct {
	Source string
	Err    error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

// Result is the outcome of a search.
type Result struct {
	Matches   []MatchResult
	Truncated bool
	// Degraded lists sources that failed and contributed nothing.
	Degraded []SourceError
}
