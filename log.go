package usb

import (
	"log/slog"
	"os"
	"sync"
)

// Logger is the structured logger for every message this package
// emits: a failed interface release during Close, a completion staged
// or left unresolved while waiting on another endpoint, a malformed
// string descriptor, a failed reap during HandleEvents, and a device
// node skipped during a usbfs walk. Successful open, claim, submit and
// reap operations are not logged. Replace it wholesale to redirect
// output or change the handler; SetLogLevel adjusts verbosity without
// swapping the handler out.
var Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

var (
	logLevel = new(slog.LevelVar)
	logMu    sync.Mutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// SetLogLevel adjusts the package logger's minimum level at runtime.
func SetLogLevel(level slog.Level) {
	logMu.Lock()
	defer logMu.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the package logger's current minimum level.
func GetLogLevel() slog.Level {
	logMu.Lock()
	defer logMu.Unlock()
	return logLevel.Level()
}
