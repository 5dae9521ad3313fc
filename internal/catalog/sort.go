package catalog

import (
	"sort"
	"strings"

	"github.com/kamusis/pkgidx/internal/version"
)

// sortVersions sorts by version descending, then channel ascending.
func sortVersions(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool {
		c := version.Compare(vs[i].Version, vs[j].Version)
		if c == 0 {
			return vs[i].Channel < vs[j].Channel
		}
		return c > 0
	})
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
