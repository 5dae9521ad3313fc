package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/paths"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the pkgidx directory, settings.yaml and .env template",
	Long:  `Initialize ~/.pkgidx (or $PKGIDX_HOME). Existing files are left alone.`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the settings in effect",
	Args:  cobra.NoArgs,
	RunE:  runSettings,
}

func init() {
	rootCmd.AddCommand(initCmd, settingsCmd)
}

func runInit(_ *cobra.Command, _ []string) error {
	// ── 1. Directories ────────────────────────────────────────────────────────
	for _, name := range []paths.PathName{paths.AppDirectory, paths.LocalIndexDirectory} {
		dir, err := paths.EnsureDir(name)
		if err != nil {
			return err
		}
		printOK("", fmt.Sprintf("%s ready: %s", name, dir))
	}

	// ── 2. settings.yaml if missing ───────────────────────────────────────────
	settingsPath, err := paths.Get(paths.UserSettings)
	if err != nil {
		return err
	}
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := config.SaveSettings(config.DefaultSettings()); err != nil {
			return err
		}
		printOK("", "Wrote default settings: "+settingsPath)
	} else {
		printSkip("", "settings.yaml exists: "+settingsPath)
	}

	// ── 3. .env template ──────────────────────────────────────────────────────
	if err := config.EnsureDotEnvTemplate(); err != nil {
		return err
	}
	envPath, err := paths.Get(paths.DotEnv)
	if err != nil {
		return err
	}
	printOK("", ".env ready: "+envPath)
	return nil
}

func runSettings(_ *cobra.Command, _ []string) error {
	s, err := config.LoadSettings()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
