package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/specfuzz/specfuzz/internal/config"
	"github.com/specfuzz/specfuzz/internal/observability"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "specfuzz",
	Short:   "specfuzz is a coverage-guided fuzzer for OpenAPI-described REST services",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console"})
			return err
		}
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("starting specfuzz", zap.String("version", Version))
		return nil
	},
}

// ExecuteContext runs the CLI. The context is cancelled on SIGINT and
// SIGTERM so the engine can checkpoint and drain before exiting.
func ExecuteContext(ctx context.Context) {
	defer observability.Sync()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./specfuzz.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
