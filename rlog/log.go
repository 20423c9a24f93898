// Package rlog is the structured logging wrapper every other package in
// this module logs through, grounded in the zap usage style the
// accelerator tunnel manager in this corpus uses (zap.String/zap.Error/
// zap.Int fields on a single package-level logger, one Init call at
// process startup driven by a verbosity flag).
package rlog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	logger = zap.NewNop()
)

// Init builds the package-level logger. debug selects a development config
// (console-encoded, debug level, caller info); otherwise a production
// JSON config at info level is used. cmd/rumux-tunnel calls this once,
// early, from its CLI Action.
func Init(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// L returns the current package-level logger. Safe to call before Init
// (returns a no-op logger), so packages can hold a *zap.Logger obtained at
// construction time without caring about init order.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Sync flushes any buffered log entries; call it before process exit.
func Sync() error {
	return L().Sync()
}
