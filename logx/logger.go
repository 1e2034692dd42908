// Package logx provides the Logger interface used throughout iocore: a
// level-filtered, prefix-forking logging component, generalized from
// share/logger.go in the WebSocket tunnel this module grew out of. The
// iocore library packages that log (channel, socket, sockethandler) accept
// a logx.Logger rather than writing to the "log" package directly, so that
// embedding applications can route iocore's diagnostics into their own
// log sink.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/andrew-d/go-termutil"
	"github.com/jpillora/ansi"
)

// Level specifies the severity of a log record.
type Level int

const (
	LevelUnknown Level = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"unknown", "error", "warning", "info", "debug", "trace"}

var levelColors = [...]string{"", "red+b", "yellow", "cyan", "black+h", "black+h"}

func (l Level) String() string {
	if l < LevelUnknown || l > LevelTrace {
		return levelNames[LevelUnknown]
	}
	return levelNames[l]
}

// ParseLevel converts a case-insensitive level name into a Level. Unknown
// names yield LevelUnknown.
func ParseLevel(s string) Level {
	s = strings.ToLower(s)
	for i, name := range levelNames {
		if name == s {
			return Level(i)
		}
	}
	return LevelUnknown
}

// Logger is a minimal, level-filtered logging component that can be forked
// into a child logger carrying an extended prefix. It is the interface
// every other iocore package depends on.
type Logger interface {
	// Log emits args at the given level if the logger's level permits it.
	Log(level Level, args ...interface{})

	// Logf is the formatted variant of Log.
	Logf(level Level, format string, args ...interface{})

	// ELogf, WLogf, ILogf, DLogf, TLogf are convenience wrappers around
	// Logf for each severity.
	ELogf(format string, args ...interface{})
	WLogf(format string, args ...interface{})
	ILogf(format string, args ...interface{})
	DLogf(format string, args ...interface{})
	TLogf(format string, args ...interface{})

	// Errorf builds a plain error (not an *errs.Error) whose message
	// carries this logger's prefix, without emitting a log record.
	Errorf(format string, args ...interface{}) error

	// Panicf logs at LevelError, then panics with the same message. Used
	// for violations of a handler's own contract (spec §4.4's "fatal
	// programmer error" cases) rather than for recoverable runtime faults.
	Panicf(format string, args ...interface{})

	// Fork returns a child Logger whose prefix is this logger's prefix
	// with an additional formatted segment appended.
	Fork(format string, args ...interface{}) Logger

	// Prefix returns this logger's current prefix string.
	Prefix() string

	// Level returns the currently effective filter level.
	Level() Level
}

type logger struct {
	out    io.Writer
	prefix string
	level  Level
	color  bool
}

// New creates a root Logger writing to out (os.Stderr is typical) at the
// given filter level. Output is colorized by severity when out is a
// terminal, detected with termutil.Isatty the way the teacher's CLI tools
// decide whether to emit ANSI escapes.
func New(out io.Writer, level Level) Logger {
	color := false
	if f, ok := out.(*os.File); ok {
		color = termutil.Isatty(f.Fd())
	}
	return &logger{out: out, level: level, color: color}
}

// Default is a convenience root logger writing to stderr at LevelInfo.
func Default() Logger {
	return New(os.Stderr, LevelInfo)
}

func (l *logger) Prefix() string { return l.prefix }
func (l *logger) Level() Level   { return l.level }

func (l *logger) Log(level Level, args ...interface{}) {
	if level > l.level {
		return
	}
	l.emit(level, fmt.Sprint(args...))
}

func (l *logger) Logf(level Level, format string, args ...interface{}) {
	if level > l.level {
		return
	}
	l.emit(level, fmt.Sprintf(format, args...))
}

func (l *logger) emit(level Level, msg string) {
	line := msg
	if l.prefix != "" {
		line = l.prefix + ": " + line
	}
	tag := "[" + level.String() + "] "
	if l.color {
		code := levelColors[level]
		if code != "" {
			tag = ansi.Color(tag, code)
		}
	}
	log.New(l.out, "", log.LstdFlags).Print(tag + line)
}

func (l *logger) ELogf(format string, args ...interface{}) { l.Logf(LevelError, format, args...) }
func (l *logger) WLogf(format string, args ...interface{}) { l.Logf(LevelWarning, format, args...) }
func (l *logger) ILogf(format string, args ...interface{}) { l.Logf(LevelInfo, format, args...) }
func (l *logger) DLogf(format string, args ...interface{}) { l.Logf(LevelDebug, format, args...) }
func (l *logger) TLogf(format string, args ...interface{}) { l.Logf(LevelTrace, format, args...) }

func (l *logger) Errorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	return fmt.Errorf("%s", msg)
}

func (l *logger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.Logf(LevelError, "%s", msg)
	panic(msg)
}

func (l *logger) Fork(format string, args ...interface{}) Logger {
	seg := fmt.Sprintf(format, args...)
	prefix := seg
	if l.prefix != "" {
		prefix = l.prefix + "." + seg
	}
	return &logger{out: l.out, prefix: prefix, level: l.level, color: l.color}
}

// Nop returns a Logger that discards everything, useful in tests that do
// not want to assert on log output.
func Nop() Logger {
	return New(io.Discard, LevelUnknown)
}
