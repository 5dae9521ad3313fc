package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/pinning"
	"github.com/kamusis/pkgidx/internal/search"
)

var (
	flagPinSource   string
	flagPinBlocking bool
	flagPinGate     string
	flagPinVersion  string
	flagPinForce    bool
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage version pins",
	Long: `Pins restrict what an upgrade may move a package to:

  --blocking       never upgrade
  --gate <range>   upgrade only within a range, e.g. "1.2.*" or ">=1.0 <2.0"
  --version <v>    stay on exactly this version`,
}

var pinAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Pin a package",
	Args:  cobra.ExactArgs(1),
	RunE:  runPinAdd,
}

var pinRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a package's pin",
	Args:  cobra.ExactArgs(1),
	RunE:  runPinRemove,
}

var pinListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pins",
	Args:  cobra.NoArgs,
	RunE:  runPinList,
}

var pinResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every pin, or every pin of --source",
	Args:  cobra.NoArgs,
	RunE:  runPinReset,
}

func init() {
	for _, c := range []*cobra.Command{pinAddCmd, pinRemoveCmd, pinListCmd, pinResetCmd} {
		c.Flags().StringVarP(&flagPinSource, "source", "s", "", "Source of the package")
	}
	pinAddCmd.Flags().BoolVar(&flagPinBlocking, "blocking", false, "Block all upgrades")
	pinAddCmd.Flags().StringVar(&flagPinGate, "gate", "", "Allow upgrades only within this version range")
	pinAddCmd.Flags().StringVar(&flagPinVersion, "version", "", "Pin to this exact version")
	pinAddCmd.MarkFlagsMutuallyExclusive("blocking", "gate", "version")
	pinAddCmd.MarkFlagsOneRequired("blocking", "gate", "version")
	pinResetCmd.Flags().BoolVar(&flagPinForce, "force", false, "Confirm removing the pins")

	pinCmd.AddCommand(pinAddCmd, pinRemoveCmd, pinListCmd, pinResetCmd)
	rootCmd.AddCommand(pinCmd)
}

// resolvePackage finds the source and canonical id of a package. A package
// present in several sources needs --source.
func resolvePackage(ctx context.Context, id, only string) (string, string, error) {
	sources, closeAll, err := openSearchers(ctx, only)
	if err != nil {
		return "", "", err
	}
	defer closeAll()
	res, err := search.Aggregate(ctx, sources, search.Query{
		Filters: []catalog.Predicate{{Field: catalog.FieldID, Match: catalog.MatchCaseInsensitive, Value: id}},
		Limit:   search.NoLimit,
	})
	if err != nil {
		return "", "", err
	}
	switch len(res.Matches) {
	case 0:
		return "", "", fmt.Errorf("package %s not found", id)
	case 1:
		return res.Matches[0].Manifest.ID, res.Matches[0].Source, nil
	}
	return "", "", fmt.Errorf("package %s is in %d sources; choose one with --source", id, len(res.Matches))
}

func runPinAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, src, err := resolvePackage(ctx, args[0], flagPinSource)
	if err != nil {
		return err
	}
	var p pinning.Pin
	switch {
	case flagPinBlocking:
		p = pinning.NewBlocking(id, src)
	case flagPinGate != "":
		p = pinning.NewGating(id, src, flagPinGate)
	default:
		p = pinning.NewPinnedVersion(id, src, flagPinVersion)
	}
	store, err := pinning.Default(ctx)
	if err != nil {
		return err
	}
	if err := store.SetPin(ctx, p); err != nil {
		return err
	}
	printOK(src, "pinned "+p.String())
	return nil
}

func runPinRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := pinning.Default(ctx)
	if err != nil {
		return err
	}
	id, src := args[0], flagPinSource
	if src == "" {
		if id, src, err = resolvePackage(ctx, args[0], ""); err != nil {
			return err
		}
	}
	if err := store.RemovePin(ctx, id, src); err != nil {
		return err
	}
	printOK(src, "unpinned "+id)
	return nil
}

func runPinList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := pinning.Default(ctx)
	if err != nil {
		return err
	}
	pins, err := store.ListPins(ctx, flagPinSource)
	if err != nil {
		return err
	}
	if len(pins) == 0 {
		printMiss("", "no pins")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tSOURCE\tKIND\tVALUE\tADDED")
	for _, p := range pins {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.PackageID, p.Source, p.Kind, orDash(p.Value), formatTime(p.DateAdded))
	}
	return w.Flush()
}

func runPinReset(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := pinning.Default(ctx)
	if err != nil {
		return err
	}
	if !flagPinForce {
		pins, err := store.ListPins(ctx, flagPinSource)
		if err != nil {
			return err
		}
		printInfo("", fmt.Sprintf("%s would be removed; pass --force to confirm", plural(len(pins), "pin")))
		return nil
	}
	n, err := store.ResetPins(ctx, flagPinSource)
	if err != nil {
		return err
	}
	printOK("", fmt.Sprintf("removed %s", plural(n, "pin")))
	return nil
}
