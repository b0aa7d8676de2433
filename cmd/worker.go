package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/monitoring"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background enrichment and dispatch worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(env.Collector,
			monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		zap.L().Info("starting worker",
			zap.Int("concurrency", cfg.Worker.Concurrency),
			zap.Int("max_attempts", cfg.Worker.MaxAttempts),
		)
		return env.Worker.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
