// Package logger provides structured logging shared by every
// component of the pipeline. It wraps zerolog so call sites use a
// small typed Field API instead of reaching for the global zerolog
// logger directly.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logging surface used throughout the
// pipeline. Every component receives one as an explicit collaborator
// rather than reaching for a package-level global.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	WithError(err error) Logger
}

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// ZeroLogger implements Logger using zerolog.
type ZeroLogger struct {
	logger zerolog.Logger
	fields []Field
}

var (
	globalLogger *ZeroLogger
	once         sync.Once
)

// Config controls how the global logger is constructed.
type Config struct {
	Level  string
	Format string // "json" or "console"
	Output io.Writer
}

// Init initializes the global logger. Safe to call multiple times;
// only the first call takes effect.
func Init(cfg Config) {
	once.Do(func() {
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		if cfg.Format == "console" {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}

		zerolog.SetGlobalLevel(parseLevel(cfg.Level))
		base := zerolog.New(out).With().Timestamp().Logger()

		globalLogger = &ZeroLogger{logger: base}
		log.Logger = base
	})
}

// Get returns the global logger, initializing it with sane defaults
// on first use.
func Get() Logger {
	if globalLogger == nil {
		Init(Config{Level: "info", Format: "json"})
	}
	return globalLogger
}

// New returns a logger scoped to a named component, e.g. "orchestrator"
// or "coordinator".
func New(component string) Logger {
	return Get().WithFields(String("component", component))
}

func (l *ZeroLogger) WithContext(ctx context.Context) Logger {
	next := l.clone()
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		next.fields = append(next.fields, String("trace_id", span.SpanContext().TraceID().String()))
	}
	return next
}

func (l *ZeroLogger) WithFields(fields ...Field) Logger {
	next := l.clone()
	next.fields = append(next.fields, fields...)
	return next
}

func (l *ZeroLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithFields(String("error", err.Error()))
}

func (l *ZeroLogger) clone() *ZeroLogger {
	return &ZeroLogger{
		logger: l.logger,
		fields: append([]Field{}, l.fields...),
	}
}

func (l *ZeroLogger) Debug(msg string, fields ...Field) { l.emit(l.logger.Debug(), msg, fields) }
func (l *ZeroLogger) Info(msg string, fields ...Field)  { l.emit(l.logger.Info(), msg, fields) }
func (l *ZeroLogger) Warn(msg string, fields ...Field)  { l.emit(l.logger.Warn(), msg, fields) }
func (l *ZeroLogger) Error(msg string, fields ...Field) { l.emit(l.logger.Error(), msg, fields) }
func (l *ZeroLogger) Fatal(msg string, fields ...Field) { l.emit(l.logger.Fatal(), msg, fields) }

func (l *ZeroLogger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range l.fields {
		event = addField(event, f)
	}
	for _, f := range fields {
		event = addField(event, f)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return event.Str(f.Key, v)
	case int:
		return event.Int(f.Key, v)
	case int64:
		return event.Int64(f.Key, v)
	case float64:
		return event.Float64(f.Key, v)
	case bool:
		return event.Bool(f.Key, v)
	case time.Time:
		return event.Time(f.Key, v)
	case time.Duration:
		return event.Dur(f.Key, v)
	case error:
		return event.Err(v)
	default:
		return event.Interface(f.Key, v)
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field constructors.

func String(key, value string) Field                { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field        { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Time(key string, value time.Time) Field         { return Field{Key: key, Value: value} }
func Err(err error) Field                            { return Field{Key: "error", Value: err} }
func Any(key string, value interface{}) Field        { return Field{Key: key, Value: value} }

// Printf is a small compatibility shim for call sites that only have a
// format string (startup/shutdown banners, CLI output).
func Printf(format string, args ...interface{}) {
	Get().Info(fmt.Sprintf(format, args...))
}
