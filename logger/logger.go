// Package logger provides the runtime's global structured logger.
//
// Every component (Manager, Communicator, Watchdog) logs through the
// package-level Logger rather than taking one as a constructor argument;
// none of them holds its own *zap.SugaredLogger field.
package logger

import (
	"go.uber.org/zap"
)

// Logger is the global logger instance. It starts as a safe no-op so that
// packages initialized before Initialize() runs (e.g. in package init()
// functions or early in tests) never panic on a nil logger.
var Logger *zap.SugaredLogger

// JSONOutput records whether the last Initialize call configured JSON
// output, for components that want to mirror the choice (e.g. a CLI
// deciding whether to also print a human summary).
var JSONOutput bool

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects structured JSON
// (for machine consumption / log aggregation) versus a human-readable
// console encoder (for interactive use).
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = config.Build()
	} else {
		config := zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		config.EncoderConfig.TimeKey = "ts"
		zapLogger, err = config.Build()
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child logger scoped to a component, e.g. logger.Named("watchdog").
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Cleanup flushes any buffered log entries. Errors from Sync are often
// ignorable for stdout/stderr (EINVAL on some platforms) but are still
// returned for callers that want to know.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

// Infow logs an info message with structured fields.
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Warnw logs a warning message with structured fields.
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Errorw logs an error message with structured fields.
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Debugw logs a debug message with structured fields.
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
