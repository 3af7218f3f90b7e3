package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/core/engine"
	errwrap "github.com/amu-labs/gatekeep/internal/errors"
	"github.com/amu-labs/gatekeep/internal/metrics"
	"github.com/amu-labs/gatekeep/internal/observability"
	"github.com/amu-labs/gatekeep/internal/server"
	"github.com/amu-labs/gatekeep/internal/server/handlers"
	"github.com/amu-labs/gatekeep/internal/upstream"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the HTTP gateway with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload rate limit configuration

Edits to the config file are picked up without a signal. Changes to
coordinator, store or server settings need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := config.Load(ctx)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration", err)
			return err
		}

		observability.InitServerLogger(config.AppName, observability.ServerLoggerOptions{
			Level:       cfg.Logging.Level,
			Environment: cfg.Logging.Environment,
			StaticFields: map[string]any{
				"version": versionInfo.Version,
			},
		})
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		db, err := openStore(ctx, cfg)
		if err != nil {
			logger.Error("Failed to open attempt store",
				zap.String("driver", cfg.Store.Driver),
				zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "store initialization failed")
		}
		if db.Driver() == config.DriverMemory {
			logger.Warn("Attempt logs are kept in memory and will not survive a restart")
		}

		limiter, err := engine.NewRateLimiter(db, cfg.RateLimit, cfg.RateLimits)
		if err != nil {
			_ = db.Close()
			return errwrap.WrapInternal(ctx, err, "rate limiter initialization failed")
		}
		coordinator := engine.NewCoordinator(cfg.Coordinator.MaxWait)

		client := upstream.New(cfg.Upstream)
		if !client.Configured() {
			logger.Warn("upstream.base_url is not set; gateway routes will answer 503")
		}

		hm := handlers.NewHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", handlers.HealthCheckerFunc(db.CheckHealth))
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(cfg.Server, server.Deps{
			Limiter:     limiter,
			Coordinator: coordinator,
			Upstream:    client,
			Health:      hm,
			Gateway:     cfg.Gateway,
			Admin:       cfg.Admin,
		})

		logger.Info("Initializing gateway",
			zap.String("version", versionInfo.Version),
			zap.String("store", db.Driver()),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Duration("max_wait", cfg.Coordinator.MaxWait))

		// Shutdown handlers run LIFO: server first, logger flush last.
		signals.OnShutdown(func(ctx context.Context) error {
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.ShutdownMetrics(); err != nil {
				logger.Warn("Metrics exporter did not stop cleanly", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			if err := db.Close(); err != nil {
				logger.Warn("Attempt store did not close cleanly", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout(cfg.Server))
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		reload := newReloader(limiter, cfg.Coordinator.MaxWait)
		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading configuration")
			if err := viper.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					logger.Error("Failed to read config file",
						zap.String("file", viper.ConfigFileUsed()),
						zap.Error(err))
					return errwrap.WrapBadRequest(ctx, err, "config reload failed")
				}
			}
			return reload(ctx)
		})
		if viper.ConfigFileUsed() != "" {
			viper.OnConfigChange(func(e fsnotify.Event) {
				logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
				_ = reload(context.Background())
			})
			viper.WatchConfig()
		}

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = db.Close()
			return errwrap.WrapInternal(ctx, err, "listen on "+addr)
		}

		errChan := make(chan error, 2)
		go func() {
			errChan <- srv.Serve(ln)
		}()
		metrics.SetServerStartTime(time.Now().Unix())
		hm.MarkStarted()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}
		return nil
	},
}

// newReloader re-applies rate limit configuration from viper. It is shared
// by SIGHUP and the config file watcher.
func newReloader(limiter *engine.RateLimiter, maxWait time.Duration) func(context.Context) error {
	var mu sync.Mutex
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()

		logger := observability.Logger()
		cfg, err := config.Load(ctx)
		if err != nil {
			logger.Error("Rejected configuration reload", zap.Error(err))
			return err
		}
		if err := limiter.Reconfigure(cfg.RateLimit, cfg.RateLimits); err != nil {
			logger.Error("Rejected rate limit configuration", zap.Error(err))
			return err
		}
		if cfg.Coordinator.MaxWait != maxWait {
			logger.Warn("coordinator.max_wait changed; restart to apply",
				zap.Duration("running", maxWait),
				zap.Duration("configured", cfg.Coordinator.MaxWait))
		}

		logger.Info("Rate limit configuration reloaded",
			zap.Int("max_attempts", cfg.RateLimit.MaxAttempts),
			zap.Duration("window", cfg.RateLimit.Window),
			zap.Int("families", len(cfg.RateLimits)))
		return nil
	}
}

func shutdownTimeout(cfg config.ServerConfig) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 10 * time.Second
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
