package catalogsync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/source"
)

// Watch resyncs directory sources when files under their roots change. Bursts
// of events are coalesced per source for WatchDebounce. It blocks until ctx
// is done.
func (c *Coordinator) Watch(ctx context.Context) error {
	descs, err := c.list.Load()
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	roots := map[string]string{}
	for _, d := range descs {
		if d.Disabled || d.Type != source.TypeDir || d.Arg == "" {
			continue
		}
		root := filepath.Clean(d.Arg)
		if err := addTree(w, root); err != nil {
			c.log.Warn("cannot watch source", zap.String("source", d.Name), zap.Error(err))
			continue
		}
		roots[root] = d.Name
	}

	pending := map[string]time.Time{}
	tick := time.NewTicker(c.opts.WatchDebounce / 3)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = addTree(w, ev.Name)
				}
			}
			if name := owner(roots, ev.Name); name != "" {
				pending[name] = time.Now()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("watch error", zap.Error(err))

		case <-tick.C:
			now := time.Now()
			for name, at := range pending {
				if now.Sub(at) < c.opts.WatchDebounce {
					continue
				}
				delete(pending, name)
				if err := c.sync(ctx, name, false); err != nil && ctx.Err() == nil {
					c.log.Warn("watch sync", zap.String("source", name), zap.Error(err))
				}
			}
		}
	}
}

// addTree watches root and every directory below it, skipping dot dirs.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

func owner(roots map[string]string, p string) string {
	best := ""
	for root := range roots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return roots[best]
}
