package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelOff disables logging entirely.
const LevelOff = "off"

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values fall back
// to info and report false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New builds a JSON logger writing to stdout, or to a rotating file when
// logFile is set. The returned logger is also installed as the slog default.
func New(level, logFile string) *slog.Logger {
	var w io.Writer = os.Stdout
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	l := NewWithWriter(w, level)
	slog.SetDefault(l)
	return l
}

// NewWithWriter builds a JSON logger on w without touching the default logger.
// LOG_LEVEL=off yields a Discard logger.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	if strings.EqualFold(strings.TrimSpace(level), LevelOff) {
		return Discard()
	}
	lvl, ok := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}
	l := slog.New(slog.NewJSONHandler(w, opts))
	if !ok {
		l.Warn("invalid LOG_LEVEL, defaulting to info", "configured", level)
	}
	return l
}

// Discard returns a logger that drops everything. It backs LOG_LEVEL=off and
// is the logger to hand components that must stay quiet, such as in tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
