package alova

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger is the structured logging surface used for debug output. Pairs
// are passed as alternating keys and values.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DebugConfig selects which parts of the request lifecycle are logged.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogCache     bool
	LogWatch     bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a disabled config with every category selected.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogCache:     true,
		LogWatch:     true,
		RequestIDGen: uuid.NewString,
	}
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger.
func NewZapLogger(logger *zap.Logger) Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapLogger{sugar: logger.Sugar()}
}

// NewDevelopmentLogger returns a human friendly console logger. It falls
// back to a no-op logger when zap cannot be initialised.
func NewDevelopmentLogger() Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return NewZapLogger(logger)
}

// NewNopLogger discards everything.
func NewNopLogger() Logger {
	return NewZapLogger(zap.NewNop())
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}
