// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package logging provides zerolog-based logging for applauncherd.
//
// Three kinds of processes log through this package: the supervisor, the
// booster children it spawns, and the diagnostics service. All of them
// share one global logger so a single APPLAUNCHERD_LOG_* configuration
// covers the whole process tree.
//
// Debug verbosity is deliberately a separate switch from the configured
// level: --debug flips it at startup, SIGUSR-driven lifetimes leave it
// alone, and a re-exec restores it from the predecessor's state file
// before anything else is logged. SetDebug therefore raises or lowers
// verbosity in place without disturbing the configured format, output or
// caller settings.
//
// Always terminate log chains with .Msg() or .Send(); a chain without a
// terminator is never emitted.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: trace, debug, info, warn, error,
	// fatal. Default: info.
	Level string

	// Format is the output format: json or console. Default: json.
	Format string

	// Caller includes caller file and line number in log records.
	Caller bool

	// Debug forces debug verbosity regardless of Level. The daemon sets
	// it from --debug and again when the flag comes back out of a
	// predecessor's state file.
	Debug bool

	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer
}

// levelNames maps the accepted level spellings onto zerolog levels.
var levelNames = map[string]zerolog.Level{
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"fatal":    zerolog.FatalLevel,
	"disabled": zerolog.Disabled,
}

// levelFromName resolves a level name, defaulting to info for anything
// unrecognized so a typo in the environment never silences the daemon.
func levelFromName(name string) zerolog.Level {
	if lv, ok := levelNames[strings.ToLower(name)]; ok {
		return lv
	}
	return zerolog.InfoLevel
}

// state is the active configuration and the logger derived from it. The
// config is kept so SetDebug can re-derive the logger without callers
// having to replay their Init arguments.
var state struct {
	mu  sync.RWMutex
	cfg Config
	log zerolog.Logger
}

//nolint:gochecknoinits // logging must work before main() reaches Init
func init() {
	Init(Config{})
}

// Init installs the configuration and rebuilds the global logger. Called
// from main() once the config layer is up; safe to call again, which is
// exactly what the booster child entry point does with its environment
// values.
func Init(cfg Config) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	state.cfg = cfg
	rebuild()
}

// SetDebug raises or restores verbosity in place, keeping every other
// setting of the active configuration. The state-file restore path calls
// this first so the rest of the restore logs at the predecessor's
// verbosity.
func SetDebug(enabled bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	state.cfg.Debug = enabled
	rebuild()
}

// rebuild derives the logger from the active configuration. Callers hold
// state.mu. The level lives on the logger itself rather than in zerolog's
// process-global level so test loggers injected via SetLogger keep their
// own thresholds.
func rebuild() {
	level := levelFromName(state.cfg.Level)
	if state.cfg.Debug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	out := state.cfg.Output
	if state.cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	lg := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if state.cfg.Caller {
		lg = lg.With().Caller().Logger()
	}
	state.log = lg
}

// Logger returns the global logger instance.
func Logger() zerolog.Logger {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.log
}

// SetLogger replaces the global logger instance without touching the
// stored configuration. Useful for capturing output in tests; the next
// Init or SetDebug call rebuilds from configuration again.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func SetLogger(l zerolog.Logger) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.log = l
}

// Debug starts a new message with debug level.
func Debug() *zerolog.Event { l := Logger(); return l.Debug() }

// Info starts a new message with info level.
func Info() *zerolog.Event { l := Logger(); return l.Info() }

// Warn starts a new message with warning level.
func Warn() *zerolog.Event { l := Logger(); return l.Warn() }

// Error starts a new message with error level.
func Error() *zerolog.Event { l := Logger(); return l.Error() }

// Err starts a new message with error level and adds the error.
func Err(err error) *zerolog.Event { l := Logger(); return l.Err(err) }

// Fatal starts a new message with fatal level. os.Exit(1) runs after the
// message is logged; destructors of process-global objects do not run.
func Fatal() *zerolog.Event { l := Logger(); return l.Fatal() }

// NewTestLogger creates a logger that writes to the provided writer.
// Useful in tests to capture log output.
func NewTestLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
