// Package observability owns the process loggers and the telemetry
// exporter. Both are process-wide: gofulmen's logging and telemetry
// packages are built around a single configured instance per binary.
package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"

	"github.com/cryptowealth/datahub/internal/config"
)

var (
	// CLILogger is used for CLI commands (SIMPLE profile)
	CLILogger *logging.Logger

	// ServerLogger is used by serve (STRUCTURED profile unless configured)
	ServerLogger *logging.Logger
)

// Logger returns the server logger when serving, else the CLI logger.
// It may return nil before either is initialized; every consumer in this
// module treats a nil logger as disabled.
func Logger() *logging.Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	return CLILogger
}

// InitCLILogger initializes the CLI logger with SIMPLE profile
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		fatal(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// ServerLoggerConfig maps cfg onto a gofulmen logger config. The simple
// profile writes console lines; anything else writes JSON to stderr with
// caller, stack traces and the correlation middleware, which picks up the
// request IDs the HTTP layer assigns.
func ServerLoggerConfig(serviceName string, cfg config.LoggingConfig, namespace string) *logging.LoggerConfig {
	fields := map[string]any{}
	if namespace != "" {
		fields["namespace"] = namespace
	}

	lc := &logging.LoggerConfig{
		DefaultLevel: normalizeLevel(cfg.Level),
		Service:      serviceName,
		StaticFields: fields,
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Profile), "simple") {
		lc.Profile = logging.ProfileSimple
		lc.Environment = "development"
		lc.Sinks = []logging.SinkConfig{stderrSink("console")}
		return lc
	}

	lc.Profile = logging.ProfileStructured
	lc.Environment = "production"
	lc.Sinks = []logging.SinkConfig{stderrSink("json")}
	lc.Middleware = []logging.MiddlewareConfig{
		{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
	}
	lc.EnableCaller = true
	lc.EnableStacktrace = true
	return lc
}

func stderrSink(format string) logging.SinkConfig {
	return logging.SinkConfig{
		Type:    "console",
		Format:  format,
		Console: &logging.ConsoleSinkConfig{Stream: "stderr", Colorize: false},
	}
}

// NewServerLogger builds the serve-mode logger from cfg.
func NewServerLogger(serviceName string, cfg config.LoggingConfig, namespace string) (*logging.Logger, error) {
	return logging.New(ServerLoggerConfig(serviceName, cfg, namespace))
}

// InitServerLogger sets ServerLogger, exiting on failure. SIGHUP reloads
// call it again with the new level.
func InitServerLogger(serviceName string, cfg config.LoggingConfig, namespace string) {
	logger, err := NewServerLogger(serviceName, cfg, namespace)
	if err != nil {
		fatal(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

// normalizeLevel maps config spellings onto gofulmen severities; unknown
// values mean INFO.
func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// fatal reports a logger setup failure on stderr and exits. No logger exists
// yet to report through.
func fatal(code foundry.ExitCode, msg string, err error) {
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	if info, ok := foundry.GetExitCodeInfo(code); ok {
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}
	os.Exit(int(code))
}
