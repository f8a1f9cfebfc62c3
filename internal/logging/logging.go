// Package logging builds the zap logger used across recordferry.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination of log output.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is console or json.
	Format string
	// FilePath, when set, receives a copy of everything written to stderr.
	FilePath string
	// Development adds caller information and colored levels.
	Development bool
}

// New builds a logger writing to stderr and, when cfg.FilePath is set, to
// that file as well. The returned function flushes the logger and closes the
// file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := newCore(cfg, zapcore.Lock(os.Stderr), level, cfg.Development)
	if err != nil {
		return nil, nil, err
	}
	cores := []zapcore.Core{stderr}
	closeFile := func() error { return nil }
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		file, err := newCore(cfg, zapcore.Lock(f), level, false)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		cores = append(cores, file)
		closeFile = f.Close
	}

	logger := wrap(cfg, zapcore.NewTee(cores...))
	return logger, func() error {
		// Syncing a terminal fails on some platforms.
		_ = logger.Sync()
		return closeFile()
	}, nil
}

// NewWriter builds a logger writing to w, for tests and embedding.
func NewWriter(cfg Config, w io.Writer) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	core, err := newCore(cfg, zapcore.AddSync(w), level, false)
	if err != nil {
		return nil, err
	}
	return wrap(cfg, core), nil
}

func newCore(cfg Config, out zapcore.WriteSyncer, level zapcore.Level, color bool) (zapcore.Core, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	if color {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected console or json)", cfg.Format)
	}
	return zapcore.NewCore(enc, out, level), nil
}

func wrap(cfg Config, core zapcore.Core) *zap.Logger {
	logger := zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))
	if cfg.Development {
		logger = logger.WithOptions(zap.AddCaller())
	}
	return logger
}

// ParseLevel accepts debug, info, warn and error. An empty level is info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", s)
}

// LevelForVerbosity maps the command line verbosity 0..3 to a level name.
func LevelForVerbosity(v int) string {
	switch {
	case v <= 0:
		return "error"
	case v == 1:
		return "warn"
	case v == 2:
		return "info"
	default:
		return "debug"
	}
}
