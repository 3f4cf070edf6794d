// Package splog is the engine's logging backbone. It wraps log/slog
// with a small set of named levels spliced in to match the -d flag,
// and a handler that renders a subject (nick, hub address, file
// path, ...) ahead of the message, the way splib/log.c did.
package splog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the engine's log verbosity, set once at startup from -d.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelMessage
	LevelDebug
)

// ParseLevel maps the -d flag's string values to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return LevelNone, nil
	case "warning":
		return LevelWarning, nil
	case "message", "info":
		return LevelMessage, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelNone, fmt.Errorf("splog: unknown log level %q", s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelMessage:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		return levelNone
	}
}

// levelNone sits above every real slog level so nothing is emitted.
const levelNone = slog.Level(1 << 20)

var (
	mu      sync.Mutex
	logger  = slog.New(newHandler(os.Stderr, LevelWarning))
	current = LevelWarning
)

// SetLevel reconfigures the package logger, writing to w at the given level.
func SetLevel(w io.Writer, level Level) {
	mu.Lock()
	defer mu.Unlock()
	current = level
	logger = slog.New(newHandler(w, level))
}

// CurrentLevel returns the level most recently set with SetLevel.
func CurrentLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return current
}

func get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// subject renders the first argument of a log call as an optional
// leading "object" parameter: nil means no subject, anything else is
// rendered with fmt.Sprint.
func subject(o interface{}) string {
	if o == nil {
		return ""
	}
	return fmt.Sprint(o)
}

func logf(level slog.Level, subj interface{}, format string, args ...interface{}) {
	l := get()
	if !l.Enabled(context.Background(), level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if s := subject(subj); s != "" {
		msg = s + ": " + msg
	}
	l.Log(context.Background(), level, msg)
}

// Debugf logs at debug level. subj is usually a nick, hub address, or path.
func Debugf(subj interface{}, format string, args ...interface{}) {
	logf(slog.LevelDebug, subj, format, args...)
}

// Infof logs at message/info level.
func Infof(subj interface{}, format string, args ...interface{}) {
	logf(slog.LevelInfo, subj, format, args...)
}

// Errorf logs at warning level.
func Errorf(subj interface{}, format string, args ...interface{}) {
	logf(slog.LevelWarn, subj, format, args...)
}

// Fatalf logs at the highest level and is always emitted regardless of
// the configured level.
func Fatalf(subj interface{}, format string, args ...interface{}) {
	l := get()
	msg := fmt.Sprintf(format, args...)
	if s := subject(subj); s != "" {
		msg = s + ": " + msg
	}
	_ = l.Handler().Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelError+4, msg, 0))
}

// handler renders "timestamp LEVEL message" lines, one per call,
// matching the original daemon's plain-text log format.
type handler struct {
	w     io.Writer
	level slog.Level
	mu    *sync.Mutex
}

func newHandler(w io.Writer, level Level) *handler {
	return &handler{w: w, level: level.slogLevel(), mu: &sync.Mutex{}}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "%s %-7s %s\n", r.Time.Format(time.RFC3339), levelName(r.Level), r.Message)
	return err
}

func (h *handler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *handler) WithGroup(_ string) slog.Handler      { return h }

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError+4:
		return "FATAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "MESSAGE"
	default:
		return "DEBUG"
	}
}
