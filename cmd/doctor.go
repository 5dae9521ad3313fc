package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/index"
	"github.com/kamusis/pkgidx/internal/paths"
	"github.com/kamusis/pkgidx/internal/pinning"
	"github.com/kamusis/pkgidx/internal/source"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check settings, source indexes and the pinning store",
	Long: `Check that pkgidx's files are readable and every local index is intact.
Run this command when something seems wrong, or before filing a bug report.`,
	RunE: runDoctor,
}

var doctorFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Automatically fix detected issues",
	Long: `Fix detected issues.

Currently fixes:
  - Leftover temporary indexes from interrupted updates: deleted
  - Missing or corrupt source indexes: rebuilt from the source's data

Run 'pkgidx doctor' first to see what will be fixed.`,
	RunE: runDoctorFix,
}

func init() {
	doctorCmd.AddCommand(doctorFixCmd)
	rootCmd.AddCommand(doctorCmd)
}

// leftoverTemps lists temporary index files in the index directory.
func leftoverTemps() ([]string, error) {
	dir, err := paths.Get(paths.LocalIndexDirectory)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// checkIndex opens and verifies the local index of d.
func checkIndex(ctx context.Context, d source.Descriptor) error {
	p, err := source.IndexPath(d.Name)
	if err != nil {
		return err
	}
	st, err := index.Open(ctx, p, index.WithoutMigration(), index.WithVerify())
	if err != nil {
		return err
	}
	defer st.Close()
	if st.SchemaVersion() < index.CurrentSchemaVersion {
		return fmt.Errorf("schema %d needs migration to %d", st.SchemaVersion(), index.CurrentSchemaVersion)
	}
	return nil
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	allOK := true
	failD := func(name, format string, args ...any) {
		printErr(name, fmt.Sprintf(format, args...))
		allOK = false
	}

	printSection("pkgidx doctor")
	fmt.Println()

	// ── Check 1: settings.yaml ────────────────────────────────────────────────
	fmt.Println("[ settings.yaml ]")
	if s, err := config.LoadSettings(); err != nil {
		failD("", "%v", err)
	} else {
		printOK("", fmt.Sprintf("valid — stale after %s, %d retries", s.Sync.StaleAfter, s.Sync.MaxRetries))
	}
	fmt.Println()

	// ── Check 2: environment ──────────────────────────────────────────────────
	fmt.Println("[ Environment ]")
	for _, key := range []string{"PKGIDX_HOME", "PKGIDX_LOG_LEVEL", "PKGIDX_LOG_DEV"} {
		v, err := config.GetConfigValue(key)
		switch {
		case err != nil:
			failD(key, "%v", err)
		case v == "":
			printSkip(key, "not set")
		default:
			printOK(key, v)
		}
	}
	fmt.Println()

	// ── Check 3: sources and their indexes ────────────────────────────────────
	fmt.Println("[ Sources ]")
	list, err := source.DefaultList()
	if err != nil {
		return err
	}
	descs, err := list.Load()
	if err != nil {
		failD("", "%v", err)
	}
	if err == nil && len(descs) == 0 {
		printSkip("", "no sources registered")
	}
	staleAfter := config.User().Sync.StaleAfter
	for _, d := range descs {
		if d.Disabled {
			printSkip(d.Name, "disabled")
			continue
		}
		err := checkIndex(ctx, d)
		switch {
		case errors.Is(err, index.ErrNotFound):
			failD(d.Name, "never updated — run 'pkgidx source update %s'", d.Name)
		case errors.Is(err, index.ErrSchemaTooNew):
			failD(d.Name, "%v — written by a newer pkgidx", err)
		case err != nil:
			failD(d.Name, "%v", err)
		case time.Since(d.LastSync) > staleAfter:
			printWarn(d.Name, fmt.Sprintf("stale — last updated %s", formatTime(d.LastSync)))
		default:
			printOK(d.Name, fmt.Sprintf("intact — last updated %s", formatTime(d.LastSync)))
		}
	}
	temps, err := leftoverTemps()
	if err != nil {
		failD("", "cannot scan index directory: %v", err)
	} else if len(temps) > 0 {
		failD("", "%s from interrupted updates", plural(len(temps), "leftover temporary file"))
	}
	fmt.Println()

	// ── Check 4: pinning store ────────────────────────────────────────────────
	fmt.Println("[ Pinning store ]")
	if store, err := pinning.Default(ctx); err != nil {
		failD("", "%v", err)
	} else if pins, err := store.ListPins(ctx, ""); err != nil {
		failD("", "%v", err)
	} else {
		printOK("", fmt.Sprintf("%s at %s", plural(len(pins), "pin"), store.Path()))
	}

	fmt.Println()
	if !allOK {
		return fmt.Errorf("some checks failed; 'pkgidx doctor fix' repairs indexes")
	}
	printOK("", "all checks passed")
	return nil
}

func runDoctorFix(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	printSection("pkgidx doctor fix")

	// ── Fix: delete leftover temporary indexes ────────────────────────────────
	fmt.Println("\n[ Temporary indexes ]")
	temps, err := leftoverTemps()
	if err != nil {
		return err
	}
	if len(temps) == 0 {
		printOK("", "none found")
	}
	failed := 0
	for _, p := range temps {
		if err := index.Remove(p); err != nil {
			printErr("", fmt.Sprintf("cannot delete %s: %v", filepath.Base(p), err))
			failed++
			continue
		}
		printOK("", "deleted "+filepath.Base(p))
	}

	// ── Fix: rebuild missing or corrupt indexes ───────────────────────────────
	fmt.Println("\n[ Source indexes ]")
	c, list, err := newCoordinator()
	if err != nil {
		return err
	}
	descs, err := list.Load()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if d.Disabled {
			continue
		}
		if err := checkIndex(ctx, d); err == nil {
			printOK(d.Name, "intact")
			continue
		}
		src, err := c.Open(ctx, d.Name)
		if err != nil {
			printErr(d.Name, err.Error())
			failed++
			continue
		}
		_ = src.Close()
		printOK(d.Name, "rebuilt")
	}

	fmt.Println()
	if failed > 0 {
		return fmt.Errorf("%s could not be fixed", plural(failed, "issue"))
	}
	return nil
}
