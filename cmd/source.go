package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/source"
	catalogsync "github.com/kamusis/pkgidx/internal/sync"
)

var (
	flagSourceType     string
	flagSourceExclude  []string
	flagSourceTrust    string
	flagSourceExplicit bool
	flagSourceNoSync   bool
	flagSourceAll      bool
	flagSourceWatch    bool
	flagSourceEvery    time.Duration
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage package sources",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <name> <arg>",
	Short: "Register a source and build its local index",
	Long: `Register a source. <arg> depends on the type:

  dir:    a directory of manifest files (*.yaml, *.yml, PACKAGE.md)
  index:  a prebuilt index file to copy`,
	Args: cobra.ExactArgs(2),
	RunE: runSourceAdd,
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	Args:  cobra.NoArgs,
	RunE:  runSourceList,
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister a source and delete its local index",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceRemove,
}

var sourceUpdateCmd = &cobra.Command{
	Use:   "update [name...]",
	Short: "Rebuild the local index of sources from their data",
	Long: `Rebuild local indexes. With no names every enabled source is updated.

  --watch   keep running and update directory sources when their files change
  --every   keep running and update stale sources on this interval`,
	RunE: runSourceUpdate,
}

var sourceResetCmd = &cobra.Command{
	Use:   "reset [name]",
	Short: "Drop local indexes so the next use rebuilds them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSourceReset,
}

var sourceEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Include a source in searches and updates",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setDisabled(cmd.Context(), args[0], false) },
}

var sourceDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Exclude a source from searches and updates",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setDisabled(cmd.Context(), args[0], true) },
}

func init() {
	sourceAddCmd.Flags().StringVar(&flagSourceType, "type", source.TypeDir, "Source type ("+strings.Join(source.Types(), ", ")+")")
	sourceAddCmd.Flags().StringSliceVar(&flagSourceExclude, "exclude", nil, "Paths under a dir source to skip (repeatable)")
	sourceAddCmd.Flags().StringVar(&flagSourceTrust, "trust-level", "", "Trust level recorded for the source")
	sourceAddCmd.Flags().BoolVar(&flagSourceExplicit, "explicit", false, "Only search this source when named with --source")
	sourceAddCmd.Flags().BoolVar(&flagSourceNoSync, "no-update", false, "Register without building the index")
	sourceResetCmd.Flags().BoolVar(&flagSourceAll, "all", false, "Reset every source")
	sourceUpdateCmd.Flags().BoolVar(&flagSourceWatch, "watch", false, "Watch directory sources and update on change")
	sourceUpdateCmd.Flags().DurationVar(&flagSourceEvery, "every", 0, "Update stale sources on this interval until interrupted")

	sourceCmd.AddCommand(sourceAddCmd, sourceListCmd, sourceRemoveCmd, sourceUpdateCmd, sourceResetCmd, sourceEnableCmd, sourceDisableCmd)
	rootCmd.AddCommand(sourceCmd)
}

func runSourceAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name, arg := args[0], args[1]
	if flagSourceType == source.TypeDir || flagSourceType == source.TypeIndex {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		arg = abs
	}
	c, list, err := newCoordinator()
	if err != nil {
		return err
	}
	d := source.Descriptor{
		Name:       name,
		Type:       flagSourceType,
		Arg:        arg,
		TrustLevel: flagSourceTrust,
		Explicit:   flagSourceExplicit,
		Exclude:    flagSourceExclude,
	}
	if err := list.Add(ctx, d); err != nil {
		return err
	}
	printOK(name, fmt.Sprintf("added (%s %s)", d.Type, d.Arg))
	if flagSourceNoSync {
		return nil
	}
	if err := c.Sync(ctx, name); err != nil {
		printErr(name, err.Error())
		return fmt.Errorf("source %s was added but its index could not be built", name)
	}
	printOK(name, "index built")
	return nil
}

func runSourceList(cmd *cobra.Command, _ []string) error {
	list, err := source.DefaultList()
	if err != nil {
		return err
	}
	all, err := list.Load()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		printMiss("", "no sources; add one with 'pkgidx source add'")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "NAME\tTYPE\tARG\tUPDATED\tSTATE")
	for _, d := range all {
		state := "enabled"
		switch {
		case d.Disabled:
			state = "disabled"
		case d.Explicit:
			state = "explicit"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Type, d.Arg, formatTime(d.LastSync), state)
	}
	return w.Flush()
}

func runSourceRemove(cmd *cobra.Command, args []string) error {
	list, err := source.DefaultList()
	if err != nil {
		return err
	}
	if err := list.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	printOK(args[0], "removed")
	return nil
}

func runSourceUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, list, err := newCoordinator()
	if err != nil {
		return err
	}
	names := args
	if len(names) == 0 {
		all, err := list.Load()
		if err != nil {
			return err
		}
		for _, d := range all {
			if d.Disabled {
				printSkip(d.Name, "disabled")
				continue
			}
			names = append(names, d.Name)
		}
	}

	var failed []error
	for _, name := range names {
		start := time.Now()
		if err := c.Sync(ctx, name); err != nil {
			printErr(name, err.Error())
			failed = append(failed, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		printOK(name, fmt.Sprintf("updated in %s", time.Since(start).Round(time.Millisecond)))
	}
	if len(failed) > 0 && !flagSourceWatch && flagSourceEvery == 0 {
		return fmt.Errorf("%s failed to update", plural(len(failed), "source"))
	}
	return followUpdates(ctx, c)
}

// followUpdates keeps the process running for --watch and --every.
func followUpdates(ctx context.Context, c *catalogsync.Coordinator) error {
	if !flagSourceWatch && flagSourceEvery == 0 {
		return nil
	}
	errc := make(chan error, 2)
	running := 0
	if flagSourceWatch {
		running++
		printInfo("", "watching directory sources (Ctrl+C to stop)")
		go func() { errc <- c.Watch(ctx) }()
	}
	if flagSourceEvery > 0 {
		running++
		printInfo("", fmt.Sprintf("updating stale sources every %s (Ctrl+C to stop)", flagSourceEvery))
		go func() { errc <- c.Run(ctx, flagSourceEvery) }()
	}
	var first error
	for ; running > 0; running-- {
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
	}
	return first
}

func runSourceReset(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !flagSourceAll {
		return fmt.Errorf("name a source or pass --all")
	}
	list, err := source.DefaultList()
	if err != nil {
		return err
	}
	names := args
	if flagSourceAll {
		all, err := list.Load()
		if err != nil {
			return err
		}
		names = nil
		for _, d := range all {
			names = append(names, d.Name)
		}
	}
	for _, name := range names {
		if err := list.Update(cmd.Context(), name, func(d *source.Descriptor) error {
			d.LastSync = time.Time{}
			d.Fingerprint = ""
			d.SchemaVersion = 0
			return nil
		}); err != nil {
			return err
		}
		p, err := source.IndexPath(name)
		if err != nil {
			return err
		}
		if err := index.Remove(p); err != nil {
			return fmt.Errorf("cannot delete index of %s: %w", name, err)
		}
		printInfo(name, "local index dropped")
	}
	return nil
}

func setDisabled(ctx context.Context, name string, disabled bool) error {
	list, err := source.DefaultList()
	if err != nil {
		return err
	}
	if err := list.Update(ctx, name, func(d *source.Descriptor) error {
		d.Disabled = disabled
		return nil
	}); err != nil {
		return err
	}
	if disabled {
		printSkip(name, "disabled")
	} else {
		printOK(name, "enabled")
	}
	return nil
}
