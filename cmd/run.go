package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the ops HTTP server until signaled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			rt.logger.Info("harvester starting", zap.Strings("strategies", a.Strategies()))
			if err := a.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run harvester: %w", err)
			}
			return nil
		},
	}
}
