package search

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kamusis/pkgidx/internal/logging"
)

// maxParallelSources bounds concurrent per-source searches in Aggregate.
const maxParallelSources = 4

// Named is a source that can run a query on its own store.
type Named interface {
	Name() string
	Search(ctx context.Context, q Query) (Result, error)
}

// Aggregate runs q on every source and merges the results. A failing source
// is reported in Degraded and contributes nothing; the other sources still
// answer. Invalid queries fail before any source is consulted.
func Aggregate(ctx context.Context, sources []Named, q Query) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}

	type outcome struct {
		res Result
		err error
	}
	outcomes := make([]outcome, len(sources))
	var g errgroup.Group
	g.SetLimit(maxParallelSources)
	for i, src := range sources {
		g.Go(func() error {
			res, err := src.Search(ctx, q)
			outcomes[i] = outcome{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var merged Result
	log := logging.Named("search")
	for i, o := range outcomes {
		name := sources[i].Name()
		if o.err != nil {
			log.Warn("source degraded", zap.String("source", name), zap.Error(o.err))
			merged.Degraded = append(merged.Degraded, SourceError{Source: name, Err: o.err})
			continue
		}
		for _, m := range o.res.Matches {
			m.Source = name
			merged.Matches = append(merged.Matches, m)
		}
		merged.Truncated = merged.Truncated || o.res.Truncated
	}
	SortResults(merged.Matches)

	var cut bool
	merged.Matches, cut = truncate(merged.Matches, q.Limit)
	merged.Truncated = merged.Truncated || cut
	if merged.Matches == nil {
		merged.Matches = []MatchResult{}
	}
	return merged, nil
}
