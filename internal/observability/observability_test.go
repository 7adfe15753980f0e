package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/observability"
)

func TestLoggers(t *testing.T) {
	t.Run("CLI logger creation", func(t *testing.T) {
		observability.InitCLILogger("datahub-test", true)
		require.NotNil(t, observability.CLILogger)

		observability.CLILogger.Debug("cli debug message", zap.String("test", "value"))
	})

	t.Run("Structured server logger", func(t *testing.T) {
		logger, err := observability.NewServerLogger("datahub-test", config.LoggingConfig{Level: "debug", Profile: "structured"}, "datahub")
		require.NoError(t, err)
		require.NotNil(t, logger)

		logger.Info("structured message", zap.String("upstream", "coingecko"), zap.Int("remaining", 12))
	})

	t.Run("Simple server logger", func(t *testing.T) {
		logger, err := observability.NewServerLogger("datahub-test", config.LoggingConfig{Level: "warn", Profile: "SIMPLE"}, "")
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("Logger prefers server logger", func(t *testing.T) {
		previous := observability.ServerLogger
		t.Cleanup(func() { observability.ServerLogger = previous })

		observability.ServerLogger = nil
		observability.InitCLILogger("datahub-test", false)
		assert.Same(t, observability.CLILogger, observability.Logger())

		observability.InitServerLogger("datahub-test", config.LoggingConfig{Level: "info"}, "")
		assert.Same(t, observability.ServerLogger, observability.Logger())
	})
}

func TestServerLoggerConfig(t *testing.T) {
	structured := observability.ServerLoggerConfig("datahub", config.LoggingConfig{Level: "Warning"}, "datahub")
	assert.Equal(t, logging.ProfileStructured, structured.Profile)
	assert.Equal(t, "WARN", structured.DefaultLevel)
	assert.Equal(t, "datahub", structured.StaticFields["namespace"])
	require.Len(t, structured.Sinks, 1)
	assert.Equal(t, "json", structured.Sinks[0].Format)
	require.Len(t, structured.Middleware, 1)
	assert.Equal(t, "correlation", structured.Middleware[0].Name)

	simple := observability.ServerLoggerConfig("datahub", config.LoggingConfig{Level: "bogus", Profile: " simple "}, "")
	assert.Equal(t, logging.ProfileSimple, simple.Profile)
	assert.Equal(t, "INFO", simple.DefaultLevel)
	assert.Empty(t, simple.StaticFields)
	assert.Equal(t, "console", simple.Sinks[0].Format)
	assert.Empty(t, simple.Middleware)
}

func TestInitMetricsDisabled(t *testing.T) {
	err := observability.InitMetrics("datahub-test", config.MetricsConfig{Enabled: false}, "")
	require.ErrorIs(t, err, observability.ErrMetricsDisabled)
}

func TestEmbeddedCrucible(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
	assert.NotEmpty(t, crucible.GetVersionString())
}
