package emugpu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/internal/rescache"
	"github.com/gogpu/emugpu/internal/runner"
	"github.com/gogpu/emugpu/step"
	"github.com/gogpu/emugpu/texcache"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for emugpu and all its sub-packages.
// By default, emugpu produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default.
//
// Log levels used by emugpu:
//   - [slog.LevelDebug]: per-frame diagnostics (decimation, pool growth)
//   - [slog.LevelInfo]: lifecycle events (device lost, device restored)
//   - [slog.LevelWarn]: degradations (missing capability, low memory)
//   - [slog.LevelError]: shader failures and fatal step errors
//
// Example:
//
//	emugpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	frame.SetLogger(l)
	rescache.SetLogger(l)
	runner.SetLogger(l)
	step.SetLogger(l)
	texcache.SetLogger(l)

	// Propagate to attached devices that support logging.
	devicesMu.RLock()
	for d := range devices {
		d.SetLogger(l)
	}
	devicesMu.RUnlock()
}

// Logger returns the current logger used by emugpu.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// attachedDevice is an engine's registration in devices.
type attachedDevice struct {
	loggerSetter
}

var (
	devicesMu sync.RWMutex
	devices   = map[*attachedDevice]struct{}{}
)

// propagateLogger passes the current logger to dev if it accepts one and
// registers it so later SetLogger calls reach it. The returned
// registration, nil for devices without a logger, is released with
// detachLogger.
func propagateLogger(dev any) *attachedDevice {
	ls, ok := dev.(loggerSetter)
	if !ok {
		return nil
	}
	d := &attachedDevice{ls}
	devicesMu.Lock()
	devices[d] = struct{}{}
	devicesMu.Unlock()
	ls.SetLogger(Logger())
	return d
}

// detachLogger stops SetLogger from reaching d.
func detachLogger(d *attachedDevice) {
	if d == nil {
		return
	}
	devicesMu.Lock()
	delete(devices, d)
	devicesMu.Unlock()
}
