package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a zap-backed logger. level is one of debug, info, warn, error;
// format is json or console.
func New(level, format string) *Logger {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.DisableStacktrace = true

	base, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		base = zap.NewExample()
	}
	return &Logger{sugar: base.Sugar()}
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) *Logger {
	return &Logger{sugar: l.WithOptions(zap.AddCallerSkip(2)).Sugar()}
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Fatal(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
	_ = l.sugar.Sync()
	os.Exit(1)
}

func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Global logger instance
var (
	mu           sync.RWMutex
	GlobalLogger = New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
)

// Set replaces the global logger.
func Set(l *Logger) {
	mu.Lock()
	GlobalLogger = l
	mu.Unlock()
}

func global() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return GlobalLogger
}

// Convenience functions
func Info(format string, v ...interface{}) {
	global().Info(format, v...)
}

func Warn(format string, v ...interface{}) {
	global().Warn(format, v...)
}

func Error(format string, v ...interface{}) {
	global().Error(format, v...)
}

func Debug(format string, v ...interface{}) {
	global().Debug(format, v...)
}

func Fatal(format string, v ...interface{}) {
	global().Fatal(format, v...)
}

func Sync() error {
	return global().Sync()
}
