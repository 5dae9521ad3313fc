// Package catalogsync keeps each source's local index store up to date.
//
// A sync builds a complete store at a temporary path next to the live one,
// validates it and renames it into place, so readers only ever observe a
// whole generation. Failures leave the previous store untouched.
package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/source"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

// maxParallelSyncs bounds SyncAll and SyncStale fan-out.
const maxParallelSyncs = 4

// State is the sync state of one source.
type State int

const (
	Idle State = iota
	Syncing
	Stale
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Stale:
		return "stale"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the observable sync status of one source.
type Status struct {
	Name      string
	State     State
	LastSync  time.Time
	LastError error
	Attempts  int
}

// Options tune the coordinator.
type Options struct {
	StaleAfter    time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	Timeout       time.Duration
	WatchDebounce time.Duration
	Logger        *zap.Logger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// OptionsFromSettings maps user settings onto Options.
func OptionsFromSettings(s *config.Settings) Options {
	return Options{
		StaleAfter:   s.Sync.StaleAfter,
		MaxRetries:   s.Sync.MaxRetries,
		RetryBackoff: s.Sync.RetryBackoff,
		Timeout:      s.Sync.Timeout,
	}
}

// Coordinator schedules and runs syncs for the sources in a list.
type Coordinator struct {
	list  *source.List
	opts  Options
	log   *zap.Logger
	group singleflight.Group

	mu     sync.Mutex
	status map[string]*Status
}

// New returns a coordinator for the sources in list.
func New(list *source.List, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logging.Named("sync")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = 300 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Coordinator{list: list, opts: opts, log: opts.Logger, status: map[string]*Status{}}
}

// Status returns the status of the named source.
func (c *Coordinator) Status(name string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.status[name]; ok {
		return *st
	}
	return Status{Name: name, State: Idle}
}

func (c *Coordinator) update(name string, fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.status[name]
	if !ok {
		st = &Status{Name: name}
		c.status[name] = st
	}
	fn(st)
}

// Sync rebuilds the named source's store from its authoritative data.
// Concurrent calls for the same source share one run.
func (c *Coordinator) Sync(ctx context.Context, name string) error {
	return c.sync(ctx, name, true)
}

func (c *Coordinator) sync(ctx context.Context, name string, force bool) error {
	for {
		led := false
		_, err, _ := c.group.Do(name, func() (any, error) {
			led = true
			return nil, c.syncOnce(ctx, name, force)
		})
		// A run shared with a caller that gave up is cancelled with it; the
		// callers still waiting start a run of their own.
		if !led && ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			c.log.Debug("shared sync cancelled, running again", zap.String("source", name))
			continue
		}
		return err
	}
}

func (c *Coordinator) syncOnce(ctx context.Context, name string, force bool) error {
	desc, err := c.list.Get(name)
	if err != nil {
		return err
	}
	src, err := source.Create(desc)
	if err != nil {
		c.update(name, func(s *Status) { s.State, s.LastError = Failed, err })
		return fmt.Errorf("sync %s: %w", name, err)
	}
	defer src.Close()

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	live, err := source.IndexPath(name)
	if err != nil {
		c.update(name, func(s *Status) { s.State, s.LastError = Failed, err })
		return fmt.Errorf("sync %s: %w", name, err)
	}

	log := c.log.With(zap.String("source", name))
	start := c.opts.Now()
	c.update(name, func(s *Status) { s.State, s.Attempts = Syncing, 0 })

	fingerprint := ""
	if fp, ok := src.(source.Fingerprinter); ok {
		if fingerprint, err = fp.Fingerprint(ctx); err != nil {
			log.Debug("fingerprint unavailable", zap.Error(err))
			fingerprint = ""
		}
	}
	unchanged := !force && fingerprint != "" && fingerprint == desc.Fingerprint
	if unchanged {
		if _, statErr := os.Stat(live); statErr != nil {
			unchanged = false
		}
	}

	if !unchanged {
		err = c.buildWithRetry(ctx, log, src, live, name)
	}
	if err != nil {
		state := Failed
		if ctx.Err() != nil {
			state = Stale
		}
		c.update(name, func(s *Status) { s.State, s.LastError = state, err })
		log.Warn("sync failed", zap.Stringer("state", state), zap.Error(err))
		telemetry.Log(telemetry.EventSourceSyncFailed, map[string]any{
			"source": name, "state": state.String(), "error": err.Error(),
		})
		return fmt.Errorf("sync %s: %w", name, err)
	}

	now := c.opts.Now().UTC()
	if err := c.list.Update(ctx, name, func(d *source.Descriptor) error {
		d.LastSync = now
		d.SchemaVersion = index.CurrentSchemaVersion
		if fingerprint != "" {
			d.Fingerprint = fingerprint
		}
		return nil
	}); err != nil {
		log.Warn("cannot record sync time", zap.Error(err))
	}
	c.update(name, func(s *Status) { s.State, s.LastSync, s.LastError = Idle, now, nil })
	log.Info("source synced", zap.Bool("rebuilt", !unchanged), zap.Duration("took", c.opts.Now().Sub(start)))
	telemetry.Log(telemetry.EventSourceSynced, map[string]any{
		"source": name, "rebuilt": !unchanged, "duration_ms": c.opts.Now().Sub(start).Milliseconds(),
	})
	return nil
}

// buildWithRetry retries transient failures with exponential backoff and a
// write conflict once.
func (c *Coordinator) buildWithRetry(ctx context.Context, log *zap.Logger, src source.Source, live, name string) error {
	conflicts := 0
	for attempt := 0; ; attempt++ {
		c.update(name, func(s *Status) { s.Attempts = attempt + 1 })
		err := build(ctx, src, live)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}
		switch {
		case errors.Is(err, index.ErrConflict):
			conflicts++
			if conflicts > 1 {
				return err
			}
		case errors.Is(err, index.ErrTransient):
			if attempt >= c.opts.MaxRetries {
				return err
			}
		default:
			return err
		}
		wait := c.opts.RetryBackoff << attempt
		log.Debug("retrying sync", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(wait):
		}
	}
}

// build fetches into a temp store, validates it and swaps it over live. The
// temp files are removed on every path that does not end in the swap.
func build(ctx context.Context, src source.Source, live string) error {
	dir := filepath.Dir(live)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", index.ErrTransient, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf("%s.%s.tmp", src.Name(), uuid.NewString()))
	swapped := false
	defer func() {
		if !swapped {
			_ = index.Remove(tmp)
		} else {
			_ = os.Remove(tmp + ".lock")
		}
	}()

	if err := src.Fetch(ctx, tmp); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	st, err := index.Open(ctx, tmp)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	err = st.Verify(ctx)
	if cerr := st.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := index.Replace(ctx, tmp, live); err != nil {
		return err
	}
	swapped = true
	return nil
}

// SyncAll syncs every enabled source. A failing source does not stop the
// others; all failures are joined in the returned error.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	descs, err := c.list.Load()
	if err != nil {
		return err
	}
	var names []string
	for _, d := range descs {
		if !d.Disabled {
			names = append(names, d.Name)
		}
	}
	return c.syncEach(ctx, names, true)
}

// SyncStale syncs the enabled sources whose last sync is older than
// StaleAfter. Sources whose data is unchanged only have their sync time
// refreshed. It returns the names it synced.
func (c *Coordinator) SyncStale(ctx context.Context) ([]string, error) {
	descs, err := c.list.Load()
	if err != nil {
		return nil, err
	}
	now := c.opts.Now()
	var names []string
	for _, d := range descs {
		if d.Disabled {
			continue
		}
		if d.LastSync.IsZero() || now.Sub(d.LastSync) >= c.opts.StaleAfter {
			names = append(names, d.Name)
			c.update(d.Name, func(s *Status) {
				if s.State == Idle {
					s.State = Stale
				}
			})
		}
	}
	return names, c.syncEach(ctx, names, false)
}

func (c *Coordinator) syncEach(ctx context.Context, names []string, force bool) error {
	errs := make([]error, len(names))
	var g errgroup.Group
	g.SetLimit(maxParallelSyncs)
	for i, name := range names {
		g.Go(func() error {
			errs[i] = c.sync(ctx, name, force)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run syncs stale sources now and then every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := c.SyncStale(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("background sync", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
