package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/appid"
	"github.com/cryptowealth/datahub/internal/core"
	errwrap "github.com/cryptowealth/datahub/internal/errors"
	"github.com/cryptowealth/datahub/internal/observability"
)

var healthProbe bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Run a self-health check: configuration, store and snapshot backends, and
the rate gate. With --probe every enabled upstream is pinged as well; the probe
calls count against the upstream rate windows.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		build := appid.CurrentBuild()
		if build.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", build.Version))

		cfg := currentConfig()
		if err := cfg.Validate(); err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration valid", zap.String("store", cfg.Store.Driver), zap.String("snapshot", cfg.Cache.Snapshot))

		ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
		defer cancel()
		svc, err := newServices(ctx, cfg, logger)
		if err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Backend unavailable", err)
			return
		}
		defer svc.close(ctx) // nolint:errcheck // best-effort cleanup

		if svc.db != nil {
			version, err := svc.db.SchemaVersion(ctx)
			if err != nil {
				ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Store unreadable", err)
				return
			}
			logger.Info("✅ Store reachable", zap.Bool("local", svc.db.Local()), zap.Int("schema_version", version))
		}
		if svc.redis != nil {
			logger.Info("✅ Redis reachable")
		}
		logger.Info("✅ Rate gate ready", zap.Strings("upstreams", svc.gate.Upstreams()))

		if healthProbe {
			if err := probeFailures(svc.set.Prober.Probe(ctx)); err != nil {
				ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Upstream probe failed", err)
				return
			}
			logger.Info("✅ Upstreams reachable", zap.Strings("enabled", svc.set.Enabled()))
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

// probeFailures joins every probe that ended in error. Warnings (disabled
// upstreams, missing keys) pass.
func probeFailures(results []core.ProbeResult) error {
	var errs []error
	for _, r := range results {
		if r.Status == core.ProbeError {
			errs = append(errs, fmt.Errorf("%s: %s", r.Upstream, r.Message))
		}
	}
	return errors.Join(errs...)
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthProbe, "probe", false, "ping every enabled upstream")
}
