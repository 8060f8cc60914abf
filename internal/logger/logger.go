// Package logger is the process-wide printf-style logger.
//
// Output goes through a zap SugaredLogger so operators can pick a console or
// JSON encoding. The level is an atomic zap level and may be changed at any
// time with SetLevel.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts DEBUG/INFO/WARN/ERROR (any case) to a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// Config selects level, encoding and destination.
type Config struct {
	Level string

	// Format is "text" (console encoder) or "json".
	Format string

	// Output is "stdout", "stderr" or a file path.
	Output string
}

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar = newSugar(Config{Format: "text", Output: "stdout"})
)

func newSugar(cfg Config) *zap.SugaredLogger {
	l, err := build(cfg)
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l
}

func build(cfg Config) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Sampling = nil
	zc.DisableStacktrace = true
	zc.DisableCaller = true
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zc.Encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	out := cfg.Output
	if out == "" {
		out = "stdout"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l.Sugar(), nil
}

// Configure replaces the global logger. On error the previous logger stays
// in place.
func Configure(cfg Config) error {
	if cfg.Level != "" {
		lvl, err := ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level.SetLevel(lvl.zap())
	}
	l, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	old := sugar
	sugar = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

// SetLevel changes the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	if lvl, err := ParseLevel(name); err == nil {
		level.SetLevel(lvl.zap())
	}
}

// Enabled reports whether messages at l are currently emitted.
func Enabled(l Level) bool {
	return level.Enabled(l.zap())
}

// Sync flushes buffered output.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return sugar.Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current().Errorf(format, v...)
}
