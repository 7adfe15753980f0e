package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/appid"
	errwrap "github.com/cryptowealth/datahub/internal/errors"
	"github.com/cryptowealth/datahub/internal/metrics"
	"github.com/cryptowealth/datahub/internal/observability"
	"github.com/cryptowealth/datahub/internal/server"
	"github.com/cryptowealth/datahub/internal/server/handlers"
)

var (
	serverPort    int
	serverHost    string
	serveCollect  bool
	serveNoMetric bool
)

// telemetryHealthChecker ensures telemetry system and exporter are available
func telemetryHealthChecker(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
func identityHealthChecker(identity appid.Identity) handlers.CheckerFunc {
	return func(ctx context.Context) error {
		switch {
		case identity.BinaryName == "":
			return errwrap.NewConfigInvalidError("app identity missing binary name")
		case identity.EnvPrefix == "":
			return errwrap.NewConfigInvalidError("app identity missing env prefix")
		case identity.ConfigName == "":
			return errwrap.NewConfigInvalidError("app identity missing config name")
		}
		return nil
	}
}

// registerHealthChecks adds checkers for every backend svc opened. The
// store, redis and telemetry are optional: the gate fails open on store
// errors and the cache serves without a snapshot backend.
func registerHealthChecks(hm *handlers.HealthManager, svc *services, identity appid.Identity, telemetry bool) {
	hm.RegisterChecker("app_identity", identityHealthChecker(identity))
	hm.RegisterChecker("rate_gate", handlers.CheckerFunc(func(ctx context.Context) error {
		_, err := svc.gate.StatusAll(ctx)
		return err
	}))
	if telemetry {
		hm.RegisterOptional("telemetry", handlers.CheckerFunc(telemetryHealthChecker))
	}
	if svc.db != nil {
		hm.RegisterOptional("store", handlers.CheckerFunc(svc.db.Ping))
	}
	if svc.redis != nil {
		hm.RegisterOptional("redis", handlers.CheckerFunc(svc.redis.Ping))
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

Data routes are served under /api/data. With --collect (or collector.enabled)
a background loop keeps the cache warm.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (log level only; restart for other changes)

On shutdown the HTTP server is drained, the cache snapshot is persisted and
logs are flushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := appid.Get()
		namespace := identity.BinaryName
		cfg := currentConfig()

		observability.InitServerLogger(identity.BinaryName, cfg.Logging, namespace)
		logger := observability.ServerLogger

		metricsEnabled := cfg.Metrics.Enabled && !serveNoMetric
		if metricsEnabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		svc, err := newServices(cmd.Context(), cfg, logger)
		if err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "service initialization failed")
		}

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("version", appid.CurrentBuild().Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.String("store", svc.cfg.Store.Driver),
			zap.Bool("stale_fallback", cfg.Cache.StaleFallback),
			zap.Strings("rate_limited", svc.gate.Upstreams()))

		hm := handlers.NewHealthManager(appid.CurrentBuild().Version)
		registerHealthChecks(hm, svc, identity, metricsEnabled)
		metrics.SetServerStartTime(time.Now().Unix())

		srv := server.New(cfg.Server, server.Deps{
			Set:         svc.set,
			Gate:        svc.gate,
			Cache:       svc.cache,
			Health:      hm,
			Identity:    identity,
			AdminToken:  os.Getenv(identity.EnvVar("admin_token")),
			MetricsPort: cfg.Metrics.Port,
		})

		collectCtx, stopCollector := context.WithCancel(context.Background())
		collectorDone := make(chan struct{})
		if cfg.Collector.Enabled || serveCollect {
			go func() {
				defer close(collectorDone)
				if err := newCollector(svc).Run(collectCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Collector stopped", zap.Error(err))
				}
			}()
		} else {
			close(collectorDone)
		}

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Stop the collector, persist the cache, close backends
		signals.OnShutdown(func(ctx context.Context) error {
			stopCollector()
			<-collectorDone
			closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			if err := svc.close(closeCtx); err != nil {
				logger.Warn("Failed to close services", zap.Error(err))
			}
			return nil
		})

		// Handler 3: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		// Register config reload handler (SIGHUP)
		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			reloaded, err := reloadConfig()
			if err != nil {
				logger.Error("Failed to reload config", zap.Error(err))
				return errwrap.NewConfigInvalidError("config reload failed: " + err.Error())
			}
			if level := reloaded.Logging.Level; level != "" && level != cfg.Logging.Level {
				observability.InitServerLogger(identity.BinaryName, reloaded.Logging, namespace)
			}

			observability.ServerLogger.Info("Configuration reloaded successfully",
				zap.String("log_level", reloaded.Logging.Level))
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		// Start server in background goroutine
		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		// Wait for error or shutdown completion
		if err := <-errChan; err != nil {
			stopCollector()
			_ = svc.close(context.Background())
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

// bindServeFlags lets --host and --port override config when set.
func bindServeFlags(v *viper.Viper) {
	_ = v.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")
	serveCmd.Flags().BoolVar(&serveCollect, "collect", false, "run the background collector regardless of collector.enabled")
	serveCmd.Flags().BoolVar(&serveNoMetric, "no-metrics", false, "disable the Prometheus exporter")
}
