// Package logging configures zerolog output for drover binaries and hands
// component-scoped loggers to the protocol engine. The library itself stays
// silent unless a logger is injected.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component identifies the subsystem generating the log
type Component string

const (
	ComponentConn    Component = "conn"
	ComponentSession Component = "session"
	ComponentWaiter  Component = "waiter"
	ComponentEvents  Component = "events"
	ComponentCLI     Component = "cli"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "console" or "json". Defaults to console.
	Format string
	// Out overrides the destination; defaults to stderr.
	Out io.Writer
}

// Init builds the root logger, installs it as the zerolog global, and
// returns it.
func Init(app string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if strings.ToLower(opts.Format) != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).
		Level(parseLevel(opts.Level)).
		With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// For returns a child logger tagged with the given component.
func For(parent zerolog.Logger, c Component) zerolog.Logger {
	return parent.With().Str("component", string(c)).Logger()
}

// Nop returns a disabled logger for library defaults and tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "", "info":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
