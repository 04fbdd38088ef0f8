// Package logging configures the agent's process-wide structured logger.
// It is process-init, deliberately global: every subsystem pulls a
// component-scoped child logger from here rather than constructing its
// own.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sink is the single io.Writer every logger created by this package
// ultimately writes through, including component/node loggers captured
// once at package-init time (e.g. `var log = logging.WithComponent(...)`,
// which runs before main ever calls Init). Init swaps what sink delegates
// to in place, so those already-captured loggers pick up the new
// format/output too instead of being stuck on the pre-Init default.
type sink struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	return w.Write(p)
}

func (s *sink) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var output = &sink{w: os.Stdout}

// Logger is the global logger instance, ready to use with sane defaults
// even before Init is called.
var Logger = zerolog.New(output).With().Timestamp().Logger()

// Level mirrors the level names accepted in the logging.level config key.
type Level string

const (
	DebugLevel    Level = "DEBUG"
	InfoLevel     Level = "INFO"
	WarningLevel  Level = "WARNING"
	ErrorLevel    Level = "ERROR"
	CriticalLevel Level = "CRITICAL"
)

// Config mirrors the logging.{level,format} configuration keys; Output
// is the destination writer (stdout when nil). logging.file has no
// counterpart here.
type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output io.Writer
}

// Init (re)configures the global Logger. Call once at process startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarningLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case CriticalLevel:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	dest := cfg.Output
	if dest == nil {
		dest = os.Stdout
	}

	if cfg.Format == "text" {
		output.set(zerolog.ConsoleWriter{Out: dest, TimeFormat: time.RFC3339})
	} else {
		output.set(dest)
	}
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID returns a child logger tagged with the node_id field.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}
