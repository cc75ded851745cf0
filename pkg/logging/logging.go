// Package logging provides the structured logger shared by the engine link,
// the connection supervisor and the playback sessions.
//
// Loggers are created from a Config and carry persistent fields added with
// With. Output is rendered by zerolog either as JSON or as human readable
// console text, and file output is rotated by lumberjack.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config contains configuration for logging
type Config struct {
	Level        string `env:"LEVEL" envDefault:"info"`
	Format       string `env:"FORMAT" envDefault:"text"`
	Output       string `env:"OUTPUT" envDefault:"stdout"`
	Caller       bool   `env:"CALLER" envDefault:"false"`
	RotateSizeMB int    `env:"ROTATE_SIZE_MB" envDefault:"10"`
	RotateCount  int    `env:"ROTATE_COUNT" envDefault:"5"`
	RotateAge    int    `env:"ROTATE_AGE_DAYS" envDefault:"28"`
}

// DefaultConfig returns the configuration used when nothing is supplied.
func DefaultConfig() Config {
	return Config{
		Level:        "info",
		Format:       "text",
		Output:       "stdout",
		RotateSizeMB: 10,
		RotateCount:  5,
		RotateAge:    28,
	}
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float64 field
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error creates an error field
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// StructuredLogger implements Logger on top of zerolog.
type StructuredLogger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// New creates a logger from cfg.
func New(cfg Config) *StructuredLogger {
	out, closer := openOutput(cfg)

	var w io.Writer = out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05.000",
			NoColor:    out != os.Stdout && out != os.Stderr,
		}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if cfg.Caller {
		// Debug/Info/... and write sit between the caller and zerolog.
		ctx = ctx.CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 2)
	}

	return &StructuredLogger{
		zl:     ctx.Logger().Level(ParseLevel(cfg.Level)),
		closer: closer,
	}
}

func openOutput(cfg Config) (io.Writer, io.Closer) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.RotateSizeMB,
		MaxBackups: cfg.RotateCount,
		MaxAge:     cfg.RotateAge,
	}
	return rotator, rotator
}

// ParseLevel converts a configured level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
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

// Debug logs a debug message
func (l *StructuredLogger) Debug(msg string, fields ...Field) {
	l.write(l.zl.Debug(), msg, fields)
}

// Info logs an info message
func (l *StructuredLogger) Info(msg string, fields ...Field) {
	l.write(l.zl.Info(), msg, fields)
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(msg string, fields ...Field) {
	l.write(l.zl.Warn(), msg, fields)
}

// Error logs an error message
func (l *StructuredLogger) Error(msg string, fields ...Field) {
	l.write(l.zl.Error(), msg, fields)
}

// Fatal logs a fatal message and exits
func (l *StructuredLogger) Fatal(msg string, fields ...Field) {
	l.write(l.zl.WithLevel(zerolog.FatalLevel), msg, fields)
	os.Exit(1)
}

// With creates a new logger with additional fields
func (l *StructuredLogger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = withField(ctx, f)
	}
	return &StructuredLogger{zl: ctx.Logger()}
}

// Close releases a rotated log file, if any.
func (l *StructuredLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *StructuredLogger) write(ev *zerolog.Event, msg string, fields []Field) {
	// nil when the level is disabled
	if ev == nil {
		return
	}
	for _, f := range fields {
		ev = eventField(ev, f)
	}
	ev.Msg(msg)
}

func eventField(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return ev.Str(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case int64:
		return ev.Int64(f.Key, v)
	case float64:
		return ev.Float64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	case error:
		return ev.AnErr(f.Key, v)
	default:
		return ev.Interface(f.Key, v)
	}
}

func withField(ctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return ctx.Str(f.Key, v)
	case int:
		return ctx.Int(f.Key, v)
	case int64:
		return ctx.Int64(f.Key, v)
	case bool:
		return ctx.Bool(f.Key, v)
	case error:
		return ctx.AnErr(f.Key, v)
	default:
		return ctx.Interface(f.Key, v)
	}
}

// DefaultLogger creates a console logger at info level
func DefaultLogger() Logger {
	return New(DefaultConfig())
}

// NullLogger creates a logger that discards all output (useful for testing)
func NullLogger() Logger {
	return &StructuredLogger{zl: zerolog.Nop()}
}

// NewWithWriter creates a logger writing JSON lines to w. Used by tests that
// inspect log output.
func NewWithWriter(w io.Writer, level string) *StructuredLogger {
	return &StructuredLogger{zl: zerolog.New(w).Level(ParseLevel(level))}
}

// StdLogAdapter routes output of the standard log package into a Logger.
type StdLogAdapter struct {
	logger Logger
}

// NewStdLogAdapter creates a new adapter for the standard log package
func NewStdLogAdapter(logger Logger) *StdLogAdapter {
	return &StdLogAdapter{logger: logger}
}

// Write implements io.Writer to capture standard log output
func (a *StdLogAdapter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		a.logger.Info(msg)
	}
	return len(p), nil
}

// SetAsStdLogger sets this adapter as the output for the standard log package
func (a *StdLogAdapter) SetAsStdLogger() {
	log.SetOutput(a)
	log.SetFlags(0)
}
