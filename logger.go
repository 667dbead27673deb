package compute

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// openDevices tracks live devices so SetLogger reaches their backends.
var (
	openDevicesMu sync.Mutex
	openDevices   = make(map[*Device]struct{})
)

// SetLogger configures the logger for compute and its backends.
// By default, compute produces no log output. Pass nil to restore the
// silent default.
//
// Log levels used by compute:
//   - [slog.LevelDebug]: pipeline, buffer and dispatch diagnostics
//   - [slog.LevelInfo]: device lifecycle (adapter selected, device closed)
//   - [slog.LevelWarn]: fallbacks (backend unavailable, interop staging)
//
// Example:
//
//	compute.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	openDevicesMu.Lock()
	defer openDevicesMu.Unlock()
	for d := range openDevices {
		propagateLogger(d.dev, l)
	}
}

// Logger returns the current logger. Sub-packages call this to share the
// same logger configuration.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backend devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func propagateLogger(dev any, l *slog.Logger) {
	if ls, ok := dev.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

func trackDevice(d *Device) {
	openDevicesMu.Lock()
	openDevices[d] = struct{}{}
	openDevicesMu.Unlock()
}

func untrackDevice(d *Device) {
	openDevicesMu.Lock()
	delete(openDevices, d)
	openDevicesMu.Unlock()
}
