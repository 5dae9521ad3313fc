package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/search"
	"github.com/kamusis/pkgidx/internal/source"
	catalogsync "github.com/kamusis/pkgidx/internal/sync"
)

// newCoordinator builds a sync coordinator over the user's source list.
func newCoordinator() (*catalogsync.Coordinator, *source.List, error) {
	list, err := source.DefaultList()
	if err != nil {
		return nil, nil, err
	}
	opts := catalogsync.OptionsFromSettings(config.User())
	opts.Logger = logging.Named("sync")
	return catalogsync.New(list, opts), list, nil
}

// openSearchers returns the sources to query: the one named only, or every
// enabled source when only is empty.
func openSearchers(ctx context.Context, only string) ([]search.Named, func(), error) {
	c, _, err := newCoordinator()
	if err != nil {
		return nil, nil, err
	}
	if only == "" {
		return c.Searchers(ctx)
	}
	src, err := c.Open(ctx, only)
	if err != nil {
		return nil, nil, err
	}
	return []search.Named{src}, func() { _ = src.Close() }, nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
