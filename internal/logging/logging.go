// Package logging provides the relay's severity-filtered stderr logger.
//
// Severity follows WGPROXY_LOGLEVEL: 0=errors, 1=warn, 2=info, 3=debug. Each
// level also logs everything below it, matching the original relay's
// severity scheme (see original_source/src/error.rs's Loggable trait).
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"wgproxy/internal/relayerr"
)

// Level is a logging severity threshold.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// Logger is the facility the forwarding core logs through.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
	// LogError renders a *relayerr.Error at the given level, including its
	// stack trace when the threshold allows debug output.
	LogError(level Level, err error)
}

// StderrLogger writes severity-prefixed lines to an io.Writer (stderr by
// default), filtered by a minimum Level.
type StderrLogger struct {
	level Level
	log   *log.Logger
}

// New creates a StderrLogger writing to os.Stderr at the given level.
func New(level Level) *StderrLogger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a StderrLogger writing to w, for tests.
func NewWithWriter(level Level, w io.Writer) *StderrLogger {
	return &StderrLogger{level: level, log: log.New(w, "", log.LstdFlags)}
}

func (l *StderrLogger) Errorf(format string, args ...any) { l.printf(LevelError, format, args...) }
func (l *StderrLogger) Warnf(format string, args ...any)  { l.printf(LevelWarn, format, args...) }
func (l *StderrLogger) Infof(format string, args ...any)  { l.printf(LevelInfo, format, args...) }
func (l *StderrLogger) Debugf(format string, args ...any) { l.printf(LevelDebug, format, args...) }

func (l *StderrLogger) printf(level Level, format string, args ...any) {
	if level > l.level {
		return
	}
	l.log.Printf("%s %s", prefix(level), fmt.Sprintf(format, args...))
}

// LogError renders a *relayerr.Error (or any error) at the given level,
// appending the captured stack when the threshold is LevelDebug.
func (l *StderrLogger) LogError(level Level, err error) {
	if level > l.level || err == nil {
		return
	}
	msg := err.Error()
	var re *relayerr.Error
	if errors.As(err, &re) && l.level >= LevelDebug && re.HasStack() {
		msg = msg + "\n" + re.FormatStack()
	}
	l.log.Printf("%s %s", prefix(level), msg)
}

func prefix(level Level) string {
	switch level {
	case LevelError:
		return "[FAIL]"
	case LevelWarn:
		return "[WARN]"
	case LevelInfo:
		return "[INFO]"
	default:
		return "[DEBG]"
	}
}
