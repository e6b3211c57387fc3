package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface used across the server.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

var (
	mu      sync.RWMutex
	sugar   *zap.SugaredLogger
	current Logger = noopLogger{}
)

// Init builds the process logger. Level is one of debug, info, warn, error;
// anything else means info. Standard library log output is redirected into zap.
func Init(level string) *zap.SugaredLogger {
	cfg := zap.Config{
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		logger = zap.NewNop()
	}
	_ = zap.RedirectStdLog(logger)

	mu.Lock()
	sugar = logger.Sugar()
	current = sugar
	mu.Unlock()
	return sugar
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger replaces the package logger. nil restores the Init logger, or
// the no-op logger when Init was never called. Useful for tests.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

func get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, kv ...interface{})  { get().Infow(msg, kv...) }
func Debugw(msg string, kv ...interface{}) { get().Debugw(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { get().Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { get().Errorw(msg, kv...) }

// Sync flushes buffered entries.
func Sync() error { return get().Sync() }

// With returns a Logger that prefixes every entry with kv. The returned
// logger resolves the package logger on each call, so SetLogger still applies.
func With(kv ...interface{}) Logger {
	return fieldLogger{fields: kv}
}

type fieldLogger struct {
	fields []interface{}
}

func (f fieldLogger) merge(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(f.fields)+len(kv))
	out = append(out, f.fields...)
	return append(out, kv...)
}

func (f fieldLogger) Infow(msg string, kv ...interface{})  { get().Infow(msg, f.merge(kv)...) }
func (f fieldLogger) Debugw(msg string, kv ...interface{}) { get().Debugw(msg, f.merge(kv)...) }
func (f fieldLogger) Warnw(msg string, kv ...interface{})  { get().Warnw(msg, f.merge(kv)...) }
func (f fieldLogger) Errorw(msg string, kv ...interface{}) { get().Errorw(msg, f.merge(kv)...) }
func (f fieldLogger) Sync() error                          { return get().Sync() }
