package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zaproxy/release-sync/internal/config"
)

var version = "dev"

func setupLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// command wraps a run function with the configuration and a context
// cancelled on SIGINT and SIGTERM.
func command(log *logrus.Logger, fn func(ctx context.Context, log *logrus.Logger, cfg *config.Config, cmd *cobra.Command) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, _ []string) {
		cfg, err := config.NewConfigFromEnv()
		if err != nil {
			log.Fatalf("could not load config: %v", err)
		}
		cfg.Version = version
		if dataDir := must(cmd.Flags().GetString("data-dir")); dataDir != "" {
			cfg.DataDir = dataDir
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := fn(ctx, log, cfg, cmd); err != nil {
			log.Errorf("ERROR: %v", err)
			stop()
			os.Exit(1)
		}
	}
}

func main() {
	log := setupLogger()
	rootCmd := &cobra.Command{
		Use:     "release-sync",
		Short:   "Maintain the ZAP release descriptors and propagate release changes",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().String("data-dir", "", "the directory holding the descriptors (overrides DATA_DIR)")

	rootCmd.AddCommand(
		updateMainCmd(log),
		updateDailyCmd(log),
		updateAddOnsCmd(log),
		stateCmd(log),
		propagateCmd(log),
		serveCmd(log),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
