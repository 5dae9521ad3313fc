package search

import "sort"

// SortResults puts an ID equal to the term first and an equal name second,
// then orders by match specificity, field rank, manifest ID and source name.
// The key is total so the order is stable across runs.
func SortResults(results []MatchResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.Match != b.Match {
			return a.Match < b.Match
		}
		if ra, rb := a.Field.Rank(), b.Field.Rank(); ra != rb {
			return ra < rb
		}
		if a.Manifest.ID != b.Manifest.ID {
			return a.Manifest.ID < b.Manifest.ID
		}
		return a.Source < b.Source
	})
}

// truncate applies limit to results.
func truncate(results []MatchResult, limit int) ([]MatchResult, bool) {
	switch {
	case limit < 0:
		return results, false
	case limit == 0:
		return []MatchResult{}, len(results) > 0
	case len(results) > limit:
		return results[:limit], true
	}
	return results, false
}
