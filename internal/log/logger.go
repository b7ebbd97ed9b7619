// Package log provides a global logger with configurable logging level. The intended use is for
// development builds.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelNone     Level = iota // Disables logging.
	LevelError                 // Logs anomalies that are not expected to occur during normal use.
	LevelWarning               // Logs anomalies that are expected to occur occasionally during normal use.
	LevelInfo                  // Logs major events.
	LevelProtocol              // Logs key exchange milestones.
	LevelDebug                 // Logs detailed IO, including packet types.
	LevelTrace                 // Logs cryptographic bookkeeping. Never logs secret values.
)

var globalLogLevel Level
var output io.Writer = os.Stderr
var logMutex sync.Mutex

var labels = map[Level]string{
	LevelTrace:    "[trace]",
	LevelDebug:    "[debug]",
	LevelProtocol: "[proto]",
	LevelInfo:     "[info ]",
	LevelWarning:  "[warn ]",
	LevelError:    "[error]",
}

var levelsByName = map[string]Level{
	"none":     LevelNone,
	"error":    LevelError,
	"warning":  LevelWarning,
	"info":     LevelInfo,
	"protocol": LevelProtocol,
	"debug":    LevelDebug,
	"trace":    LevelTrace,
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log messages to w. Passing nil restores os.Stderr.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// ParseLevel converts a level name such as "debug" into a Level.
func ParseLevel(name string) (Level, error) {
	if level, ok := levelsByName[strings.ToLower(name)]; ok {
		return level, nil
	}
	return LevelNone, fmt.Errorf("unknown log level '%s'", name)
}

func (l Level) String() string {
	for name, level := range levelsByName {
		if level == l {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func logLevel() Level {
	logMutex.Lock()
	defer logMutex.Unlock()
	return globalLogLevel
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	return level <= logLevel()
}

func log(level Level, format string, a ...interface{}) {
	if level <= logLevel() {
		msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
		msg += fmt.Sprintf(format, a...)
		logMutex.Lock()
		defer logMutex.Unlock()
		fmt.Fprintln(output, msg)
	}
}

func Trace(format string, a ...interface{}) {
	log(LevelTrace, format, a...)
}
func Debug(format string, a ...interface{}) {
	log(LevelDebug, format, a...)
}
func Protocol(format string, a ...interface{}) {
	log(LevelProtocol, format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, format, a...)
}
