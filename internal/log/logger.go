package log

import (
	"os"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// Disabled is a logger that discards all log output.
var Disabled = btclog.Disabled

// root is the handler every subsystem logger created by NewSubLogger
// attaches to. It defaults to a single-sink HandlerSet over stderr so
// tests and ad hoc binaries get sensible output without any setup; hosts
// that want a second sink (a log file, a test buffer) call AddLogSink or
// replace the set wholesale via SetRootHandler.
var root btclogv2.Handler = NewHandlerSet(btclogv2.NewDefaultHandler(os.Stderr))

// SetRootHandler installs the handler (typically a HandlerSet fanning out
// to console and file) that subsequent calls to NewSubLogger attach to.
// Call this once during process start-up, before any silo component begins
// logging.
func SetRootHandler(h btclogv2.Handler) {
	root = h
}

// AddLogSink rebuilds the root as a HandlerSet fanning out to the current
// root plus the given additional sinks. Like SetRootHandler, call it
// during process start-up: loggers already created keep the root they
// attached to.
func AddLogSink(sinks ...btclogv2.Handler) {
	root = NewHandlerSet(append([]btclogv2.Handler{root}, sinks...)...)
}

// NewSubLogger creates a tagged btclog.Logger for the given subsystem,
// attached to the currently configured root handler. Every package in this
// module that logs declares one package-level logger this way, e.g.:
//
//	var log = quarklog.NewSubLogger("MLBX")
func NewSubLogger(tag string) btclogv2.Logger {
	return btclogv2.NewSLogger(root.SubSystem(tag))
}
