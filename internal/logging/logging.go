// Package logging provides the gateway's level-gated wrapper around the
// standard logger, so LOG_LEVEL (spec.md §6) actually controls verbosity
// instead of every call site printing unconditionally.
package logging

import (
	"log"
	"strings"
)

// Level is a minimum severity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current = LevelInfo

// SetLevel sets the minimum level the Xf helpers will print.
func SetLevel(l Level) {
	current = l
}

// ParseLevel maps the LOG_LEVEL vocabulary (error|warn|info|debug) to a
// Level, defaulting to LevelInfo for an empty or unrecognized value.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debugf(format string, args ...any) { logAt(LevelDebug, "[DEBUG] "+format, args...) }
func Infof(format string, args ...any)  { logAt(LevelInfo, "[INFO] "+format, args...) }
func Warnf(format string, args ...any)  { logAt(LevelWarn, "[WARN] "+format, args...) }
func Errorf(format string, args ...any) { logAt(LevelError, "[ERROR] "+format, args...) }

func logAt(l Level, format string, args ...any) {
	if l < current {
		return
	}
	log.Printf(format, args...)
}
