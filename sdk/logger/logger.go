// Package logger provides the SDK's stderr-only, level-filtered
// structured logging (spec component C12). Every emitted line is passed
// through the redaction registry
// (sdk/redact) before it reaches the underlying writer, satisfying
// spec.md's invariant that a secret is registered for redaction before its
// first log emission, and stdout is never touched — stdout is reserved for
// the stdio protocol per spec.md §4.2 and §6.
package logger

import (
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pywatt/module-sdk-go/sdk/redact"
)

// Level is the logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// ParseLevel maps a case-insensitive level name to a Level, defaulting to
// LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warning", "warn":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// envLevelVar is the recognized log-level environment variable named in
// spec.md §6 ("RUST_LOG or equivalent").
const envLevelVar = "PYWATT_LOG"

// redactingWriter passes every write through the registry before handing
// it to the underlying writer. log.Logger calls Write once per formatted
// line, so this is sufficient to cover every log call.
type redactingWriter struct {
	registry *redact.Registry
	out      io.Writer
}

func (w redactingWriter) Write(p []byte) (int, error) {
	scrubbed := w.registry.Redact(string(p))
	if _, err := io.WriteString(w.out, scrubbed); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Logger is a level-filtered, redaction-safe logger. The zero value is not
// usable; use New.
type Logger struct {
	level    Level
	std      *log.Logger
	registry *redact.Registry
}

// Option configures a Logger at construction time.
type Option func(*config)

type config struct {
	level    Level
	out      io.Writer
	registry *redact.Registry
	rotate   *lumberjack.Logger
}

// WithLevel sets the initial verbosity threshold.
func WithLevel(l Level) Option { return func(c *config) { c.level = l } }

// WithRegistry overrides the redaction registry; defaults to redact.Default.
func WithRegistry(r *redact.Registry) Option { return func(c *config) { c.registry = r } }

// WithFileRotation fans log output out to a rotating file in addition to
// stderr: small max size, one backup, short retention, since this is
// operational tailing output, not an audit trail.
func WithFileRotation(path string) Option {
	return func(c *config) {
		c.rotate = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    5,
			MaxBackups: 1,
			MaxAge:     1,
			Compress:   false,
		}
	}
}

// New builds a Logger. Its level defaults to the PYWATT_LOG environment
// variable, falling back to LevelInfo, unless overridden by WithLevel.
func New(opts ...Option) *Logger {
	c := config{level: ParseLevel(os.Getenv(envLevelVar)), registry: redact.Default}
	for _, opt := range opts {
		opt(&c)
	}

	var out io.Writer = os.Stderr
	if c.rotate != nil {
		out = io.MultiWriter(os.Stderr, c.rotate)
	}

	return &Logger{
		level:    c.level,
		registry: c.registry,
		std:      log.New(redactingWriter{registry: c.registry, out: out}, "", log.LstdFlags),
	}
}

// SetLevel changes the verbosity threshold at runtime.
func (l *Logger) SetLevel(level Level) { l.level = level }

// Level returns the current verbosity threshold.
func (l *Logger) Level() Level { return l.level }

func (l *Logger) logf(min Level, prefix, format string, v ...any) {
	if l.level > min {
		return
	}
	if prefix != "" {
		l.std.Printf(prefix+format, v...)
	} else {
		l.std.Printf(format, v...)
	}
}

func (l *Logger) Debug(format string, v ...any)   { l.logf(LevelDebug, "DEBUG: ", format, v...) }
func (l *Logger) Info(format string, v ...any)    { l.logf(LevelInfo, "", format, v...) }
func (l *Logger) Warning(format string, v ...any) { l.logf(LevelWarning, "WARNING: ", format, v...) }
func (l *Logger) Error(format string, v ...any)   { l.logf(LevelError, "ERROR: ", format, v...) }

// Fatal logs at error level unconditionally and terminates the process.
// Reserved for the handshake/required-channel/announcement failures that
// spec.md §6 and §7 define as process-terminating.
func (l *Logger) Fatal(format string, v ...any) {
	l.std.Printf("FATAL: "+format, v...)
	os.Exit(1)
}

// Default is the process-wide logger used by packages that don't carry an
// explicit Logger reference (primarily sdk/bootstrap before AppState
// exists). Embedding modules may replace it with New(opts...) before
// calling bootstrap.Run.
var Default = New()

func Debug(format string, v ...any)   { Default.Debug(format, v...) }
func Info(format string, v ...any)    { Default.Info(format, v...) }
func Warning(format string, v ...any) { Default.Warning(format, v...) }
func Error(format string, v ...any)   { Default.Error(format, v...) }
func Fatal(format string, v ...any)   { Default.Fatal(format, v...) }
