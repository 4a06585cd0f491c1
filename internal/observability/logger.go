// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers. It discards output
// until InitCLILogger runs.
var CLILogger = zap.NewNop()

// Formats accepted by InitCLILogger.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// InitCLILogger replaces CLILogger with a stderr logger at level in format.
func InitCLILogger(level, format string) error {
	logger, err := NewLogger(level, format)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a stderr logger. Console output omits caller and
// stacktraces.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.DisableCaller = true
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !isTerminal(os.Stderr) {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	case FormatJSON:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
