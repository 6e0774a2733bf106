// Package telemetry wires structured logging and metrics for the engine.
// Logging follows the component-scoped zerolog idiom used throughout the
// corpus (one child logger per subsystem, carrying a "component" field);
// metrics follow the same corpus's Prometheus collector style, but each
// Logger/Metrics pair is scoped to one Engine instance rather than
// registered against the global default registry, since a process may
// open more than one ptree database (tests open dozens).
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Level mirrors the coarse levels the engine ever emits.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how a Telemetry instance renders logs.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Telemetry bundles a base logger and a Prometheus registry scoped to a
// single engine instance.
type Telemetry struct {
	base zerolog.Logger
	Reg  *prometheus.Registry
	Metrics *Metrics
}

// New builds a Telemetry instance from cfg. A nil-value Config yields
// info-level console logging to stderr and a fresh metrics registry.
func New(cfg Config) *Telemetry {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}

	reg := prometheus.NewRegistry()
	return &Telemetry{base: base, Reg: reg, Metrics: newMetrics(reg)}
}

// Component returns a child logger tagged with the given subsystem name,
// e.g. "volume", "txindex", "journal", "gc".
func (t *Telemetry) Component(name string) zerolog.Logger {
	return t.base.With().Str("component", name).Logger()
}

// Discard returns a Telemetry instance that drops every log line and
// registers its metrics on its own private registry — the default for package-level tests that
// don't care about observability.
func Discard() *Telemetry {
	return New(Config{Output: io.Discard})
}
