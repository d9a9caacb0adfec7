// Package logging provides the process-wide structured logger (zap).
package logging

import (
	"io"
	"log"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global      atomic.Pointer[zap.Logger]
	globalLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger. Unknown levels fall back to info.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	globalLevel.SetLevel(level)
	zc.Level = globalLevel
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	global.Store(logger)
	return nil
}

// Replace swaps the global logger, e.g. for zap.NewNop or an observer in tests.
func Replace(l *zap.Logger) {
	global.Store(l)
}

// Sync flushes any buffered log entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	globalLevel.SetLevel(l)
}

// L returns the global logger, building a production one on first use.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	zc := zap.NewProductionConfig()
	zc.Level = globalLevel
	l, err := zc.Build()
	if err != nil {
		l = zap.NewNop()
	}
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// ForSession returns a child logger tagging every entry with the peer
// address and the server-assigned session number.
func ForSession(remote string, id uint64) *zap.Logger {
	return L().With(zap.String("remote", remote), zap.Uint64("session", id))
}

// StdWriter adapts the global logger to an io.Writer, one info entry per
// line, for libraries that only speak text (HTTP access logs).
func StdWriter() io.Writer {
	return zap.NewStdLog(L()).Writer()
}

// StdLog is StdWriter as a *log.Logger.
func StdLog() *log.Logger {
	return zap.NewStdLog(L())
}

// wrapped skips the helper frame so entries report the real caller.
func wrapped() *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(1))
}

func Debug(msg string, fields ...zap.Field) {
	wrapped().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	wrapped().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	wrapped().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	wrapped().Error(msg, fields...)
}

// Fatal logs and exits.
func Fatal(msg string, fields ...zap.Field) {
	wrapped().Fatal(msg, fields...)
}
