package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/correlate"
	"github.com/kamusis/pkgidx/internal/pinning"
	"github.com/kamusis/pkgidx/internal/search"
	"github.com/kamusis/pkgidx/internal/source"
)

var (
	flagInstalled       string
	flagInstalledSource string
	flagIcons           bool
	flagUpgradeAll      bool
)

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Match installed programs with catalog packages",
	Long: `Read an installed-programs inventory and report which package each program
came from. The inventory is YAML:

  programs:
    - name: Git
      publisher: The Git Development Community
      version: 2.43.0
      product_code: Git_is1`,
	Args: cobra.NoArgs,
	RunE: runCorrelate,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "List upgrades available for installed programs, honouring pins",
	Args:  cobra.NoArgs,
	RunE:  runUpgrade,
}

func init() {
	for _, c := range []*cobra.Command{correlateCmd, upgradeCmd} {
		c.Flags().StringVar(&flagInstalled, "installed", "", "Installed-programs inventory file (YAML)")
		c.Flags().StringVarP(&flagInstalledSource, "source", "s", "", "Match against this source only")
		_ = c.MarkFlagRequired("installed")
	}
	correlateCmd.Flags().BoolVar(&flagIcons, "icons", false, "Extract icons of matched programs")
	upgradeCmd.Flags().BoolVar(&flagUpgradeAll, "include-pinned", false, "Also list packages whose upgrade a pin holds back")
	rootCmd.AddCommand(correlateCmd, upgradeCmd)
}

// correlateInstalled reads the inventory and correlates it with the sources.
func correlateInstalled(ctx context.Context, sources []search.Named) ([]correlate.Entry, error) {
	programs, err := correlate.FileRegistry{Path: flagInstalled}.Programs(ctx)
	if err != nil {
		return nil, err
	}
	return correlate.FromSettings(config.User()).Correlate(ctx, programs, sources)
}

func runCorrelate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sources, closeAll, err := openSearchers(ctx, flagInstalledSource)
	if err != nil {
		return err
	}
	defer closeAll()

	entries, err := correlateInstalled(ctx, sources)
	if err != nil {
		return err
	}
	if flagIcons {
		correlate.ExtractIcons(ctx, entries)
	}
	w := newTable()
	header := "PROGRAM\tVERSION\tPACKAGE\tSOURCE\tMETHOD\tCONFIDENCE"
	if flagIcons {
		header += "\tICONS"
	}
	fmt.Fprintln(w, header)
	matched := 0
	for _, e := range entries {
		if e.Matched() {
			matched++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f", e.Program.Name, orDash(e.Program.Version),
			orDash(e.PackageID), orDash(e.Source), e.Method, e.Confidence)
		if flagIcons {
			fmt.Fprintf(w, "\t%d", len(e.Icons))
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	printInfo("", fmt.Sprintf("%d of %s matched", matched, plural(len(entries), "program")))
	return nil
}

func runUpgrade(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sources, closeAll, err := openSearchers(ctx, flagInstalledSource)
	if err != nil {
		return err
	}
	defer closeAll()

	entries, err := correlateInstalled(ctx, sources)
	if err != nil {
		return err
	}
	byName := make(map[string]source.Source, len(sources))
	for _, s := range sources {
		if src, ok := s.(source.Source); ok {
			byName[src.Name()] = src
		}
	}

	w := newTable()
	fmt.Fprintln(w, "NAME\tID\tINSTALLED\tAVAILABLE\tSTATUS\tSOURCE")
	found := 0
	for _, e := range entries {
		src, ok := byName[e.Source]
		if !e.Matched() || !ok || e.Program.Version == "" {
			continue
		}
		info, err := src.UpdateCheck(ctx, e.PackageID, e.Program.Version)
		if err != nil {
			printWarn(e.Source, fmt.Sprintf("%s: %v", e.PackageID, err))
			continue
		}
		status := ""
		switch {
		case info.Eligibility.Upgrade:
			status = info.Eligibility.Status.String()
			if info.Eligibility.Status == pinning.GatedTo {
				status = fmt.Sprintf("gated to %s", info.Eligibility.Version)
			}
		case flagUpgradeAll && info.Eligibility.Pin != nil && info.Available != e.Program.Version:
			status = "held by " + info.Eligibility.Pin.Kind.String() + " pin"
		default:
			continue
		}
		found++
		avail := info.Available
		if info.Eligibility.Upgrade {
			avail = info.Eligibility.Version
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Program.Name, e.PackageID, e.Program.Version, avail, status, e.Source)
	}
	if found == 0 {
		printOK("", "everything is up to date")
		return nil
	}
	return w.Flush()
}
