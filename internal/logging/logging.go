// Package logging provides the orchestrator's structured logging setup: a
// single *zap.Logger configured once at the entry point, with per-component
// children handed down through constructors.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	root   *zap.Logger
)

// Options controls root logger construction.
type Options struct {
	Debug bool
	JSON  bool
}

// Init builds the process-wide root logger. Safe to call once at process
// start (cmd/orchestrator); components never call it themselves.
func Init(opts Options) (*zap.Logger, error) {
	mu.Lock()
	defer mu.Unlock()

	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if opts.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	root = l
	return l, nil
}

// Component returns a named child of the root logger, creating a bare
// no-op-safe development logger if Init was never called (keeps unit tests
// that exercise a single package independently from requiring process-wide
// setup).
func Component(name string) *zap.Logger {
	mu.Lock()
	r := root
	mu.Unlock()

	if r == nil {
		l, _ := zap.NewDevelopment()
		return l.Named(name)
	}
	return r.Named(name)
}

// Sync flushes the root logger, if any.
func Sync() {
	mu.Lock()
	r := root
	mu.Unlock()
	if r != nil {
		_ = r.Sync()
	}
}
