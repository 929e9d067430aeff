package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <strategy>",
		Short: "Run one strategy once and print its report",
		Long: `Runs a single pass of an enabled strategy (accounts, hashtags, trends or
search) outside the schedule and writes the run report as JSON to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := a.Close(cmd.Context()); cerr != nil {
					rt.logger.Warn("close application failed", zap.Error(cerr))
				}
			}()

			name := strings.ToLower(args[0])
			if enabled := a.Strategies(); !slices.Contains(enabled, name) {
				return fmt.Errorf("strategy %q is not enabled (enabled: %s)", name, strings.Join(enabled, ", "))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			report, err := a.Sweep(ctx, name)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return fmt.Errorf("write report: %w", encErr)
			}
			return err
		},
	}
}
