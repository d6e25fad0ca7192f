package monitoring

import (
	"log"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf
// until SetLogger or SetZapLogger replaces it. Tests or production code can
// redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the structured logger used by the analysis packages.
// It is a no-op logger until SetZapLogger is called.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetZapLogger installs l as the structured logger and routes Logf through
// its sugared form. Passing nil restores the no-op logger.
func SetZapLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	SetLogger(l.Sugar().Infof)
}

// LevelForDebug maps the analysis debug verbosity onto a zap level.
// Negative values are reserved for profiling output and log warnings only.
func LevelForDebug(debug int) zapcore.Level {
	switch {
	case debug < 0:
		return zapcore.WarnLevel
	case debug >= 2:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger builds a console logger at the level implied by debug.
func NewLogger(debug int) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(LevelForDebug(debug))
	return cfg.Build()
}
