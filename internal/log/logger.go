package log

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

var (
	once   sync.Once
	logger *slog.Logger
)

// Options controls the global logger. The zero value logs JSON at INFO to stdout.
type Options struct {
	Level  string
	Format string // "json" or "text"
	// File, when set, sends output to a size-rotated file instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup initializes the global logger at the given level with JSON output.
func Setup(level string) {
	SetupWithOptions(Options{Level: level})
}

// SetupWithOptions initializes the global logger once.
// logic: default to INFO. If level is invalid, fallback to INFO.
func SetupWithOptions(opts Options) {
	once.Do(func() {
		var out io.Writer = os.Stdout
		if opts.File != "" {
			out = &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
			}
		}
		logger = slog.New(newHandler(out, opts))
		slog.SetDefault(logger)
	})
}

func newHandler(out io.Writer, opts Options) slog.Handler {
	level := ParseLevel(opts.Level)
	if strings.EqualFold(opts.Format, "text") {
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.StampMilli,
			NoColor:    opts.File != "",
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
}

// ParseLevel maps a level name to slog.Level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithCell returns a logger with the cell field set.
func WithCell(cellID string) *slog.Logger {
	return Get().With(slog.String("cell", cellID))
}

// WithInvocation returns a logger with the invocation_id field set.
func WithInvocation(id string) *slog.Logger {
	return Get().With(slog.String("invocation_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
