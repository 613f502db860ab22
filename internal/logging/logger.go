// Package logging builds the zap logger used across megprep.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"megprep/internal/core"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is console or json. Empty means console.
	Format string
	// Verbose forces debug level.
	Verbose bool
	// OutputPaths defaults to stderr.
	OutputPaths []string
}

// New builds a logger from the production config with console or JSON
// encoding.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.Sampling = nil
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch strings.ToLower(opts.Format) {
	case "", "console", "text":
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		config.Encoding = "json"
	default:
		return nil, fmt.Errorf("invalid log format %q (expected console|json)", opts.Format)
	}
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	if len(opts.OutputPaths) > 0 {
		config.OutputPaths = opts.OutputPaths
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// ProcessSink forwards child process output to logger at debug level.
// Stderr lines are logged at info so tool warnings stay visible without
// --verbose.
func ProcessSink(logger *zap.Logger) core.LineSink {
	if logger == nil {
		return nil
	}
	return func(stream core.Stream, line string) {
		if line == "" {
			return
		}
		if stream == core.StreamStderr {
			logger.Info(line, zap.String("stream", string(stream)))
			return
		}
		logger.Debug(line, zap.String("stream", string(stream)))
	}
}
