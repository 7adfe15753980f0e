package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/appid"
	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/observability"
)

var (
	cfgFile string
	envFile string
	verbose bool

	// settings and appConfig are loaded once per invocation before any
	// command runs. SIGHUP re-reads settings.
	settings  *viper.Viper
	appConfig *config.Config
)

// configError marks failures to read or validate configuration.
type configError struct {
	stage string
	err   error
}

func (e *configError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the command named on the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Until serve installs an exporter, telemetry is a no-op so CLI commands
	// do not print metric events.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	identity := appid.Get()
	rootCmd.Use = identity.BinaryName
	rootCmd.Short = identity.Description
	rootCmd.Long = fmt.Sprintf(`%s serves and queries crypto market data through a shared result
cache and per-upstream rate gates.

Configuration is layered: defaults, then the config file, then .env, then
%s_* environment variables.`, identity.BinaryName, identity.EnvPrefix)

	defaultPath := config.DefaultConfigPath()
	if defaultPath == "" {
		defaultPath = "./config/config.yaml"
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is %s)", defaultPath))
	flags.StringVar(&envFile, "env-file", "", `dotenv file loaded before reading the environment (default ".env", "-" to skip)`)
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// loadConfig builds the CLI logger and the invocation's configuration.
func loadConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(appid.Get().BinaryName, verbose)
	logger := observability.CLILogger

	v, err := config.NewViper(config.Options{File: cfgFile, EnvFile: envFile})
	if err != nil {
		return &configError{stage: "read configuration", err: err}
	}
	bindServeFlags(v)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("Using config file", zap.String("path", used))
	} else {
		logger.Debug("No config file found; using defaults and environment")
	}

	cfg, err := config.Load(v)
	if err != nil {
		return &configError{stage: "invalid configuration", err: err}
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	settings, appConfig = v, cfg
	return nil
}

// currentConfig returns the loaded configuration. Commands invoked without
// the root pre-run (tests) get defaults.
func currentConfig() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	if cfg, err := config.Load(nil); err == nil {
		return cfg
	}
	return &config.Config{}
}

// reloadConfig re-reads the config file and makes the result current.
func reloadConfig() (*config.Config, error) {
	if settings == nil {
		return currentConfig(), nil
	}
	if err := settings.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg, err := config.Load(settings)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}
