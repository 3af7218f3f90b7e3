package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/observability"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the configuration loads and the configured attempt store is reachable.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()

		cfg, err := config.Load(ctx)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration is invalid", err)
			return
		}
		logger.Info("✅ Configuration valid", zap.String("store", cfg.Store.Driver))

		db, err := openStore(ctx, cfg)
		if err != nil {
			ExitWithCode(logger, foundry.ExitFailure, "Attempt store unavailable", err)
			return
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		if err := db.CheckHealth(ctx); err != nil {
			ExitWithCode(logger, foundry.ExitFailure, "Attempt store unhealthy", err)
			return
		}
		logger.Info("✅ Attempt store reachable", zap.String("driver", db.Driver()))

		if cfg.Upstream.BaseURL == "" {
			logger.Warn("upstream.base_url is not set; gateway routes will answer 503")
		}

		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "time allowed for store checks")
}
