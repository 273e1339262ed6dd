package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultRedactKeys are attribute keys whose values never reach log output.
var DefaultRedactKeys = []string{"token", "secret", "api_key", "password", "dsn"}

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string    // Level for console output (default: info)
	FileLevel    string    // Level for file output (default: debug)
	File         string    // Rotated JSON log file, disabled when empty
	App          string
	Console      io.Writer // Console destination (default: os.Stdout)
	RedactKeys   []string  // Default: DefaultRedactKeys
}

var closers sync.Map

// New creates configured slog.Logger instance.
func New(o Options) *slog.Logger {
	console := o.Console
	if console == nil {
		console = os.Stdout
	}
	keys := o.RedactKeys
	if len(keys) == 0 {
		keys = DefaultRedactKeys
	}

	consoleOpts := &tint.Options{
		Level:      ParseLevel(o.ConsoleLevel, slog.LevelInfo),
		TimeFormat: time.RFC3339,
		NoColor:    o.Env != "dev",
	}
	if o.Env == "dev" {
		consoleOpts.TimeFormat = time.Kitchen
	}
	handlers := []slog.Handler{
		NewRedactingHandler(tint.NewHandler(console, consoleOpts), keys),
	}

	var closer func() error
	if o.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closer = fileWriter.Close
		fileHandler := slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{
			Level: ParseLevel(o.FileLevel, slog.LevelDebug),
		})
		handlers = append(handlers, NewRedactingHandler(fileHandler, keys))
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = NewMultiHandler(handlers...)
	}

	l := slog.New(h).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)
	if closer != nil {
		closers.Store(l, closer)
	}
	return l
}

// Close closes the file handler of a logger created by New.
// Should be called when shutting down the application.
func Close(logger *slog.Logger) error {
	if c, ok := closers.LoadAndDelete(logger); ok {
		return c.(func() error)()
	}
	return nil
}

// HasFile reports whether logger was created by New with a file handler
// that has not been closed yet.
func HasFile(logger *slog.Logger) bool {
	_, ok := closers.Load(logger)
	return ok
}

// ParseLevel converts a level name to slog.Level, returning def for unknown names.
func ParseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}
