// Package logger provides the structured, leveled logging used throughout
// nufs: a package-level logger backed by log/slog, with a text or JSON
// handler chosen at startup and a TRACE level below slog's own Debug,
// following the shape of the donor's internal/logger package.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Severity levels. LevelTrace sits below slog.LevelDebug; LevelOff sits
// above slog.LevelError so that nothing at all is logged.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// Severity names, as they appear in config and in log output.
const (
	Trace = "TRACE"
	Debug = "DEBUG"
	Info  = "INFO"
	Warn  = "WARNING"
	Error = "ERROR"
	Off   = "OFF"
)

type loggerFactory struct {
	format string
}

var defaultLoggerFactory = &loggerFactory{format: "json"}
var programLevel = new(slog.LevelVar)
var defaultLogger *slog.Logger

func init() {
	setLoggingLevel(Info, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
}

func setLoggingLevel(level string, pl *slog.LevelVar) {
	switch strings.ToUpper(level) {
	case Trace:
		pl.Set(LevelTrace)
	case Debug:
		pl.Set(LevelDebug)
	case Info:
		pl.Set(LevelInfo)
	case Warn:
		pl.Set(LevelWarn)
	case Error:
		pl.Set(LevelError)
	case Off:
		pl.Set(LevelOff)
	default:
		pl.Set(LevelInfo)
	}
}

func levelLabel(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return Trace
	case l < LevelInfo:
		return Debug
	case l < LevelWarn:
		return Info
	case l < LevelError:
		return Warn
	default:
		return Error
	}
}

// createJsonOrTextHandler builds a slog.Handler that renames the standard
// time/level/msg attrs to time/severity/message (prefixing message with
// prefix) and, for the JSON format, nests the timestamp as
// {"seconds":...,"nanos":...} to match the donor's wire shape. Any format
// other than "text" is treated as JSON.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, pl *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			t := a.Value.Time()
			if f.format == "text" {
				return slog.String("time", t.Format("2006/01/02 15:04:05.000000"))
			}
			return slog.Group("timestamp",
				slog.Int64("seconds", t.Unix()),
				slog.Int64("nanos", int64(t.Nanosecond())))
		case slog.LevelKey:
			lvl, _ := a.Value.Any().(slog.Level)
			return slog.String("severity", levelLabel(lvl))
		case slog.MessageKey:
			return slog.String("message", prefix+a.Value.String())
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: pl, ReplaceAttr: replace}
	if f.format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func rebuildDefaultLogger() {
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
}

// Init sets the output format ("text" or anything else for JSON) and
// minimum severity, then rebuilds the package-level logger. Called once
// during CLI startup.
func Init(format, level string) {
	defaultLoggerFactory.format = format
	setLoggingLevel(level, programLevel)
	rebuildDefaultLogger()
}

// SetLogFormat changes the output format without touching the level.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	rebuildDefaultLogger()
}

func logf(level slog.Level, format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { logf(LevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { logf(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { logf(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { logf(LevelWarn, format, v...) }
func Errorf(format string, v ...interface{}) { logf(LevelError, format, v...) }
