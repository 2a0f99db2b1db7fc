// Package logging wires up the process-wide zap logger used by everything
// outside the console renderer (which is out of scope, see spec §1): the
// engine, the Docker client adapter, the config loader and the CLI all log
// through the same global SugaredLogger rather than fmt.Println or the
// stdlib log package.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the verbosity of logging, mirroring the CLI's
// --log-level flag values.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelProgress Level = "progress"
	LevelMinimal  Level = "minimal"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
)

var (
	globalLogger *zap.SugaredLogger
	globalMutex  sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	Level Level
}

// DefaultConfig returns the configuration used when Init has not been called.
func DefaultConfig() Config {
	return Config{Level: LevelProgress}
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) {
	logger := createLogger(cfg)
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalLogger = logger
}

func levelToZap(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo, LevelProgress:
		return zapcore.InfoLevel
	case LevelMinimal, LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func createLogger(cfg Config) *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.AddSync(os.Stderr),
		levelToZap(cfg.Level),
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}

// Get returns the global logger, initializing it with DefaultConfig if Init
// has not been called yet.
func Get() *zap.SugaredLogger {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()
	if logger != nil {
		return logger
	}

	created := createLogger(DefaultConfig())
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		return globalLogger
	}
	globalLogger = created
	return globalLogger
}

// Sync flushes any buffered log entries.
func Sync() {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}

// Reset clears the global logger. Used by tests that call Init repeatedly.
func Reset() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalLogger = nil
}

// ForTask returns a logger scoped to one task run, tagging every subsequent
// entry with the task name. The engine further scopes this per container and
// per step via WithContainer/WithStep.
func ForTask(name string) *zap.SugaredLogger {
	return Get().With("task", name)
}

// WithContainer tags a logger with the container it concerns.
func WithContainer(log *zap.SugaredLogger, container string) *zap.SugaredLogger {
	if container == "" {
		return log
	}
	return log.With("container", container)
}

// WithStep tags a logger with the step kind it is executing.
func WithStep(log *zap.SugaredLogger, kind string) *zap.SugaredLogger {
	return log.With("step", kind)
}
