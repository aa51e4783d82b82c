// Command fiskalni keeps the local receipt, warranty and bill store in sync
// with the server.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fiskalni/fiskalni/internal/config"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/ui"
)

var (
	cfgFile  string
	logLevel string
	noColor  bool

	cfg    *config.Config
	vcfg   *viper.Viper
	logger *slog.Logger
	logOut io.WriteCloser
)

var rootCmd = &cobra.Command{
	Use:   "fiskalni",
	Short: "Local-first sync for receipts, warranties and household bills",
	Long: `fiskalni keeps a local store of fiscal receipts, warranty devices and
household bills in sync with the server.

Local edits are queued and uploaded in order. Server changes arrive through a
bulk pull on every boot and through realtime subscriptions while the daemon
runs. Conflicts resolve by last write wins on updated_at.`,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	if noColor {
		ui.DisableColor()
	}

	var err error
	cfg, vcfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, logOut, err = logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		JSON:       cfg.Log.JSON,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return nil
}

func teardown(*cobra.Command, []string) error {
	if logOut != nil {
		return logOut.Close()
	}
	return nil
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}
