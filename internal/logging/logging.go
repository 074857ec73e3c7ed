// Package logging provides the leveled Logger injected into every component. Loggers are created per instance and
// handed down through Config structs; nothing in the core reaches for a package level logger.
package logging

import (
	"errors"
	"fmt"
	"strings"

	golog "github.com/ipfs/go-log"
)

// ErrInvalidLevel is returned by ParseLevel for an unknown level name
var ErrInvalidLevel = errors.New("invalid log level")

// Logger is the leveled, printf style logging capability used across the module
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Level is a log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name (case insensitive) into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// New returns a logger for the named subsystem, filtered at level. Every subsystem keeps its own level, so two nodes
// running in the same process can log at different verbosity.
func New(system string, level Level) (Logger, error) {
	if system == "" {
		return nil, errors.New("logger system name cannot be empty")
	}

	logger := golog.Logger(system)
	if err := golog.SetLogLevel(system, level.String()); err != nil {
		return nil, fmt.Errorf("failed to set level %s for %s: %w", level, system, err)
	}
	return logger, nil
}

// Nop returns a Logger that drops everything
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

// prefixed decorates every line with a fixed tag
type prefixed struct {
	prefix string
	next   Logger
}

// WithPrefix returns a Logger that puts prefix in front of every message
func WithPrefix(next Logger, prefix string) Logger {
	return &prefixed{prefix: prefix, next: next}
}

func (p *prefixed) Debugf(format string, args ...interface{}) {
	p.next.Debugf(p.prefix+format, args...)
}

func (p *prefixed) Infof(format string, args ...interface{}) {
	p.next.Infof(p.prefix+format, args...)
}

func (p *prefixed) Warnf(format string, args ...interface{}) {
	p.next.Warnf(p.prefix+format, args...)
}

func (p *prefixed) Errorf(format string, args ...interface{}) {
	p.next.Errorf(p.prefix+format, args...)
}
