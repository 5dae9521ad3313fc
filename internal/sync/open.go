package catalogsync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/search"
	"github.com/kamusis/pkgidx/internal/source"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

// Open returns the named source with its store open. A source that was never
// synced is synced first. A corrupt store is rebuilt from the source's data.
// A store written by a newer program fails this source only.
func (c *Coordinator) Open(ctx context.Context, name string) (source.Source, error) {
	desc, err := c.list.Get(name)
	if err != nil {
		return nil, err
	}
	src, err := source.Create(desc)
	if err != nil {
		return nil, err
	}
	if err := c.open(ctx, src); err != nil {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}

func (c *Coordinator) open(ctx context.Context, src source.Source) error {
	name := src.Name()
	err := src.Open(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, index.ErrSchemaTooNew):
		c.update(name, func(s *Status) { s.State, s.LastError = Failed, err })
		return err
	case errors.Is(err, index.ErrNotFound):
		c.log.Info("source never synced", zap.String("source", name))
	case errors.Is(err, index.ErrCorrupt):
		c.log.Warn("rebuilding corrupt store", zap.String("source", name), zap.Error(err))
		telemetry.Log(telemetry.EventStoreRebuilt, map[string]any{"source": name, "error": err.Error()})
	default:
		return err
	}
	if err := c.Sync(ctx, name); err != nil {
		return err
	}
	return src.Open(ctx)
}

// Searchers opens every enabled, non-explicit source for a cross-source
// search. A source that cannot be opened is still returned; its searches fail
// with the open error so the aggregate reports it as degraded. The returned
// function closes every opened source.
func (c *Coordinator) Searchers(ctx context.Context) ([]search.Named, func(), error) {
	descs, err := c.list.Load()
	if err != nil {
		return nil, func() {}, err
	}
	var (
		out    []search.Named
		opened []source.Source
	)
	for _, d := range descs {
		if d.Disabled || d.Explicit {
			continue
		}
		src, err := c.Open(ctx, d.Name)
		if err != nil {
			c.log.Warn("source unavailable", zap.String("source", d.Name), zap.Error(err))
			out = append(out, unavailable{name: d.Name, err: err})
			continue
		}
		out = append(out, src)
		opened = append(opened, src)
	}
	return out, func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}, nil
}

type unavailable struct {
	name string
	err  error
}

func (u unavailable) Name() string { return u.name }

func (u unavailable) Search(context.Context, search.Query) (search.Result, error) {
	return search.Result{}, fmt.Errorf("source %s unavailable: %w", u.name, u.err)
}
