// Package cmd defines the CLI commands for the postharvest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/app"
	"github.com/JakeFAU/postharvest/internal/config"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/logging"
)

// App is the application surface the commands drive. It lets tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	Sweep(ctx context.Context, name string) (harvest.RunReport, error)
	Strategies() []string
	Close(ctx context.Context) error
}

type runtimeKeyType struct{}

var runtimeKey runtimeKeyType

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

var (
	loadConfig = config.Load
	newLogger  = logging.New
	newApp     = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		return app.Build(ctx, cfg, logger)
	}
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "postharvest",
		Short: "Quota-aware harvester for social-media posts.",
		Long: `postharvest runs scheduled acquisition strategies against a rate-limited
social-media API. Every call goes through a quota ledger, a credential pool
and a retrying invoker; harvested posts are normalized, classified and
stored idempotently.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env overrides use the HARVEST_ prefix)")

	cmd.AddCommand(newRunCmd(), newSweepCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
