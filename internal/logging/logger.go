package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the level, encoding, and optional log file. The file is
// appended to so failures stay inspectable after the process exits.
type Config struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
	File   string `koanf:"file" yaml:"file"`
}

// Validate reports unusable settings.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "", FormatJSON, FormatConsole:
		return nil
	default:
		return fmt.Errorf("logging: unknown format %q", c.Format)
	}
}

// New builds a logger writing to stderr and, when File is set, to that file
// as well. The returned close function releases the file handle.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	encoder := newEncoder(cfg.Format)
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)}
	closer := func() error { return nil }
	if path := strings.TrimSpace(cfg.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file: %w", err)
		}
		// The file always gets JSON so it stays machine readable.
		cores = append(cores, zapcore.NewCore(newEncoder(FormatJSON), zapcore.AddSync(f), level))
		closer = f.Close
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, func() error {
		_ = logger.Sync()
		return closer()
	}, nil
}

// DefaultFile returns the log file location under a state directory.
func DefaultFile(stateDir string) string {
	return filepath.Join(stateDir, "logs", "stepflow.log")
}

func parseLevel(value string) (zapcore.Level, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(value)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}
