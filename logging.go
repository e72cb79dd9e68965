package readmux

import (
	"log/slog"
	"os"

	"github.com/joeycumines/logiface"

	islog "github.com/joeycumines/logiface-slog"
)

// defaultLogger writes newline-delimited JSON to stderr at informational
// level and above, mirroring the diagnostic printf calls of the system
// this package replaces.
func defaultLogger() *logiface.Logger[*islog.Event] {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return islog.L.New(islog.L.WithSlogHandler(handler))
}

// logDebug, logInfo and logWarn are thin wrappers over m.log's builder
// methods; logiface's builders are nil-safe, so a Multiplexer constructed
// with WithLogger(nil) needs no special-casing at call sites.
func (m *Multiplexer) logDebug() *logiface.Builder[*islog.Event] { return m.log.Debug() }
func (m *Multiplexer) logInfo() *logiface.Builder[*islog.Event]  { return m.log.Info() }
func (m *Multiplexer) logWarn() *logiface.Builder[*islog.Event]  { return m.log.Warning() }
