// Package correlate matches programs installed on the host with catalog
// entries.
package correlate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/platform"
	"github.com/kamusis/pkgidx/internal/search"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

// candidateLimit caps the manifests scored per query and source.
const candidateLimit = 25

// Method says how an entry was matched.
type Method int

const (
	Unmatched Method = iota
	ByIdentifier
	ByName
)

func (m Method) String() string {
	switch m {
	case ByIdentifier:
		return "identifier"
	case ByName:
		return "name"
	}
	return "none"
}

// Entry pairs an installed program with the manifest it most likely came
// from. PackageID is empty when nothing matched.
type Entry struct {
	Program      platform.Program
	PackageID    string
	Source       string
	Confidence   float64
	Method       Method
	ExtractIcons bool
	Icons        []platform.ExtractedIconInfo
}

// Matched reports whether the entry has a manifest.
func (e Entry) Matched() bool { return e.PackageID != "" }

// Correlator matches programs against sources.
type Correlator struct {
	threshold float64
	log       *zap.Logger
}

// New returns a correlator accepting name matches scoring at least
// threshold.
func New(threshold float64, l *zap.Logger) *Correlator {
	if l == nil {
		l = logging.Named("correlate")
	}
	if threshold <= 0 || threshold > 1 {
		threshold = config.DefaultSettings().Correlation.Threshold
	}
	return &Correlator{threshold: threshold, log: l}
}

// FromSettings returns a correlator configured by s.
func FromSettings(s *config.Settings) *Correlator {
	return New(s.Correlation.Threshold, nil)
}

// Correlate returns one entry per distinct program, in input order. Sources
// that fail a query are skipped for that query; only cancellation aborts the
// pass.
func (c *Correlator) Correlate(ctx context.Context, programs []platform.Program, sources []search.Named) ([]Entry, error) {
	pass := uuid.NewString()
	log := c.log.With(zap.String("pass", pass))

	seen := make(map[string]bool, len(programs))
	entries := make([]Entry, 0, len(programs))
	matched := 0
	for _, p := range programs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig := p.Signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true

		e := Entry{Program: p}
		if id, src, ok := c.byIdentifier(ctx, log, p, sources); ok {
			e.PackageID, e.Source, e.Confidence, e.Method = id, src, 1, ByIdentifier
		} else if id, src, score := c.byName(ctx, log, p, sources); score >= c.threshold {
			e.PackageID, e.Source, e.Confidence, e.Method = id, src, score, ByName
		}
		if e.Matched() {
			matched++
			e.ExtractIcons = strings.TrimSpace(p.DisplayIcon) != ""
		}
		log.Debug("correlated", zap.String("program", p.Name), zap.String("package", e.PackageID),
			zap.Stringer("method", e.Method), zap.Float64("confidence", e.Confidence))
		entries = append(entries, e)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	telemetry.Log(telemetry.EventCorrelation, map[string]any{
		"pass": pass, "programs": len(entries), "matched": matched,
	})
	return entries, nil
}

// ExtractIcons fills Icons for the entries marked for extraction.
func ExtractIcons(ctx context.Context, entries []Entry) {
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		if entries[i].ExtractIcons {
			entries[i].Icons = platform.ExtractIcons(ctx, entries[i].Program)
		}
	}
}

func (c *Correlator) query(ctx context.Context, log *zap.Logger, sources []search.Named, q search.Query) []search.MatchResult {
	res, err := search.Aggregate(ctx, sources, q)
	if err != nil {
		log.Debug("correlation query rejected", zap.Error(err))
		return nil
	}
	for _, d := range res.Degraded {
		log.Debug("source skipped", zap.String("source", d.Source), zap.Error(d.Err))
	}
	return res.Matches
}

func restrict(sources []search.Named, name string) []search.Named {
	if name == "" {
		return sources
	}
	for _, s := range sources {
		if s.Name() == name {
			return []search.Named{s}
		}
	}
	return sources
}

// byIdentifier looks for a manifest declaring one of the program's
// identifiers. The catalog ID is tried first, then product code, then
// package family name.
func (c *Correlator) byIdentifier(ctx context.Context, log *zap.Logger, p platform.Program, sources []search.Named) (string, string, bool) {
	var queries []search.Query
	if p.CatalogID != "" {
		queries = append(queries, search.Query{
			Filters: []catalog.Predicate{{Field: catalog.FieldID, Match: catalog.MatchCaseInsensitive, Value: p.CatalogID}},
		})
	}
	if p.ProductCode != "" {
		queries = append(queries, search.Query{
			Filters: []catalog.Predicate{{Field: catalog.FieldProductCode, Match: catalog.MatchCaseInsensitive, Value: p.ProductCode}},
		})
	}
	if p.PackageFamilyName != "" {
		queries = append(queries, search.Query{
			Filters: []catalog.Predicate{{Field: catalog.FieldPackageFamilyName, Match: catalog.MatchCaseInsensitive, Value: p.PackageFamilyName}},
		})
	}
	scoped := restrict(sources, p.Source)
	for _, q := range queries {
		q.Limit = search.NoLimit
		ms := c.query(ctx, log, scoped, q)
		if len(ms) == 0 {
			continue
		}
		if len(ms) > 1 {
			log.Debug("identifier is ambiguous", zap.String("program", p.Name), zap.Int("matches", len(ms)))
		}
		return ms[0].Manifest.ID, ms[0].Source, true
	}
	return "", "", false
}

// byName scores candidate manifests by name and publisher similarity and
// returns the best one.
func (c *Correlator) byName(ctx context.Context, log *zap.Logger, p platform.Program, sources []search.Named) (string, string, float64) {
	name := NormalizeName(p.Name)
	if name == "" {
		return "", "", 0
	}
	scoped := restrict(sources, p.Source)
	queries := []search.Query{
		{Term: &search.Term{Value: name, Match: catalog.MatchFuzzy, Fields: []catalog.Field{catalog.FieldName}}, Limit: candidateLimit},
		{Term: &search.Term{Value: longestWord(name), Match: catalog.MatchSubstring, Fields: []catalog.Field{catalog.FieldName, catalog.FieldMoniker}}, Limit: candidateLimit},
	}
	publisher := NormalizePublisher(p.Publisher)

	var (
		bestID, bestSrc string
		best            float64
		scored          = map[string]bool{}
	)
	for _, q := range queries {
		for _, m := range c.query(ctx, log, scoped, q) {
			key := fmt.Sprintf("%s\x00%s", m.Source, m.Manifest.ID)
			if scored[key] {
				continue
			}
			scored[key] = true
			s := score(name, publisher, m.Manifest)
			if s > best {
				bestID, bestSrc, best = m.Manifest.ID, m.Source, s
			}
		}
	}
	return bestID, bestSrc, best
}

// score weighs name similarity at three quarters and publisher similarity at
// one quarter. Without a publisher on both sides only the name counts.
func score(name, publisher string, m catalog.Manifest) float64 {
	ns := similarity(name, NormalizeName(m.Name))
	if m.Moniker != "" {
		ns = max(ns, similarity(name, NormalizeName(m.Moniker)))
	}
	mp := NormalizePublisher(m.Publisher)
	if publisher == "" || mp == "" {
		return ns
	}
	return 0.75*ns + 0.25*similarity(publisher, mp)
}
