package felis

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type used throughout the core:
// phase-method and promise-body errors, TxnSet close errors, priority
// rollback failures, arena NUMA-bind and mlock warnings, and deadlock
// diagnostics all log through a value of this type. Phase transitions and
// GC passes are not logged. It is a thin alias so call sites never need
// to spell out the stumpy event type.
type Logger = logiface.Logger[*stumpy.Event]

var globalLogger struct {
	sync.RWMutex
	logger *Logger
}

func init() {
	globalLogger.logger = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
	)
}

// SetLogger installs the logger used by the core's internal diagnostics.
// Safe to call concurrently; takes effect for subsequent log calls.
func SetLogger(l *Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = l
}

// currentLogger returns the logger currently installed for package-level
// diagnostics, never nil.
func currentLogger() *Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}
