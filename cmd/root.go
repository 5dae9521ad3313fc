package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/pinning"
)

var flagLogLevel string

var rootCmd = &cobra.Command{
	Use:          "pkgidx",
	Short:        "pkgidx — local package catalog engine",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `pkgidx keeps a local, queryable index of package catalogs under
~/.pkgidx (or $PKGIDX_HOME), applies version pins and matches catalog
entries with the programs installed on this machine.`,
	PersistentPreRunE: setupProcess,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides settings and PKGIDX_LOG_LEVEL")
}

// setupProcess applies .env and environment, then starts the logger. The
// precedence is flag, environment, settings.yaml.
func setupProcess(cmd *cobra.Command, _ []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	s := config.User()
	cfg := logging.DefaultConfig()
	cfg.Level = s.Logging.Level
	cfg.Development = s.Logging.Development || env.LogDev
	if env.LogLevel != "" {
		cfg.Level = env.LogLevel
	}
	if flagLogLevel != "" {
		cfg.Level = flagLogLevel
	}
	if err := logging.Init(cfg); err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	return nil
}

// Execute is called by main.go.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = pinning.Shutdown()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
