package search

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

// Searchable is a store that can be read in one snapshot. *index.Store
// satisfies it.
type Searchable interface {
	View(ctx context.Context, fn func(index.Reader) error) error
}

// Engine runs queries against a single store.
type Engine struct {
	log *zap.Logger
}

// NewEngine returns an engine logging to l, or to the process logger when l
// is nil.
func NewEngine(l *zap.Logger) *Engine {
	if l == nil {
		l = logging.Named("search")
	}
	return &Engine{log: l}
}

// hit is the best way one manifest matched the term.
type hit struct {
	field catalog.Field
	match catalog.MatchType
}

// Search runs q against src. All reads happen in one snapshot, so the result
// reflects a single committed generation of the store.
func (e *Engine) Search(ctx context.Context, src Searchable, q Query) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	var res Result
	err := src.View(ctx, func(r index.Reader) error {
		var err error
		res, err = e.run(ctx, r, q)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	telemetry.Log(telemetry.EventSearch, map[string]any{
		"matches":   len(res.Matches),
		"truncated": res.Truncated,
	})
	return res, nil
}

func (e *Engine) run(ctx context.Context, r index.Reader, q Query) (Result, error) {
	allowed, err := filterIDs(ctx, r, q.Filters)
	if err != nil {
		return Result{}, err
	}

	term := q.term()
	var ids []string
	hits := map[string]hit{}
	if term == nil {
		if allowed == nil {
			if ids, err = r.IDs(ctx); err != nil {
				return Result{}, err
			}
		} else {
			ids = allowed.sorted
		}
	} else {
		value := normalizeTerm(term.Value)
		for m := catalog.MatchExact; m <= term.Match; m++ {
			for _, f := range term.fields() {
				matched, err := r.MatchIDs(ctx, catalog.Predicate{Field: f, Match: m, Value: value})
				if err != nil {
					return Result{}, err
				}
				for _, id := range matched {
					if _, seen := hits[id]; seen {
						continue
					}
					if allowed != nil && !allowed.set[id] {
						continue
					}
					hits[id] = hit{field: f, match: m}
					ids = append(ids, id)
				}
			}
		}
	}

	manifests, err := r.Manifests(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	// The exact ID and exact name tiers apply only when the term searches
	// those fields.
	var byID, byName bool
	if term != nil {
		for _, f := range term.fields() {
			byID = byID || f == catalog.FieldID
			byName = byName || f == catalog.FieldName
		}
	}
	results := make([]MatchResult, 0, len(manifests))
	for _, m := range manifests {
		mr := MatchResult{Manifest: m, tier: 2}
		if h, ok := hits[m.ID]; ok {
			value := normalizeTerm(term.Value)
			mr.Field, mr.Match = h.field, h.match
			mr.Value = matchedValue(&m, h, value)
			switch {
			case byID && strings.EqualFold(m.ID, value):
				mr.tier = 0
			case byName && strings.EqualFold(m.Name, value):
				mr.tier = 1
			}
		}
		results = append(results, mr)
	}
	SortResults(results)

	out, truncated := truncate(results, q.Limit)
	e.log.Debug("search",
		zap.Int("matches", len(results)),
		zap.Int("returned", len(out)),
		zap.Bool("truncated", truncated))
	return Result{Matches: out, Truncated: truncated}, nil
}

type idSet struct {
	sorted []string
	set    map[string]bool
}

// filterIDs intersects the filters; nil means no filter was given.
func filterIDs(ctx context.Context, r index.Reader, filters []catalog.Predicate) (*idSet, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	var s *idSet
	for _, p := range filters {
		matched, err := r.MatchIDs(ctx, p)
		if err != nil {
			return nil, err
		}
		next := &idSet{set: make(map[string]bool, len(matched))}
		for _, id := range matched {
			if s == nil || s.set[id] {
				next.sorted = append(next.sorted, id)
				next.set[id] = true
			}
		}
		s = next
		if len(s.sorted) == 0 {
			break
		}
	}
	return s, nil
}

func matchedValue(m *catalog.Manifest, h hit, value string) string {
	for _, v := range m.FieldValues(h.field) {
		if catalog.Matches(h.match, value, v) {
			return v
		}
	}
	return ""
}

// normalizeTerm trims the term and collapses inner whitespace.
func normalizeTerm(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
