// Package cmd implements the roundtrip command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/internal/config"
	"github.com/3leaps/roundtrip/internal/observability"
)

// VersionInfo is injected at build time.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	baseDir     string
	application string
)

var rootCmd = &cobra.Command{
	Use:   "roundtrip",
	Short: "Office document round-trip compatibility harness",
	Long: `roundtrip drives an office application through a document corpus,
round-trips every file through a format converter and checks that the
converted file still opens.

Outcomes are kept in plain-text lists under the base directory so an
interrupted run resumes without repeating known-good work.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default ./"+config.DefaultConfigName+")")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: console or json")
	pf.StringVarP(&baseDir, "base-dir", "b", "", "Corpus base directory")
	pf.StringVarP(&application, "application", "a", "", "Application under test: word, excel or powerpoint")

	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = viper.BindPFlag("base_dir", pf.Lookup("base-dir"))
	_ = viper.BindPFlag("application", pf.Lookup("application"))
}

// setDefaults registers config defaults on the global viper instance.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initConfig(cmd *cobra.Command, _ []string) error {
	setDefaults()
	if err := config.ReadFile(viper.GetViper(), cfgFile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid config file", err)
	}
	if err := config.BindEnv(viper.GetViper()); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid environment", err)
	}
	if err := observability.InitCLILogger(viper.GetString("logging.level"), viper.GetString("logging.format")); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// loadConfig decodes and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// cliError carries the process exit code for a failed command.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &cliError{code: code, message: message, err: err}
}

// exitCode returns the exit code carried by err, or 1.
func exitCode(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// ExitWithCode logs msg and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		ExitWithCode(observability.CLILogger, exitCode(err), "Command failed", err)
	}
}
