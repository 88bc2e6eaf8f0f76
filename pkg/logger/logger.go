// Package logger is the component-tagged structured logger used across dingclaw.
//
// Callers log with a component name and an optional field map:
//
//	logger.InfoCF("dingtalk", "Stream connected", map[string]any{"endpoint": ep})
//
// Records are rendered by log/slog. When a log file is configured it is
// rotated by lumberjack.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l LogLevel) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "info"
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Unknown strings map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Options configures the global logger.
type Options struct {
	Level      string
	Format     string // "text" (default) or "json"
	File       string // optional rotated log file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	base     = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	rotator  *lumberjack.Logger
)

// Configure replaces the global handler. It is safe to call more than once;
// a previously opened log file is closed.
func Configure(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}

	var w io.Writer = os.Stderr
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 5
		}
		if opts.MaxAgeDays <= 0 {
			opts.MaxAgeDays = 10
		}
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		w = io.MultiWriter(os.Stderr, rotator)
	}

	levelVar.Set(ParseLevel(opts.Level).slogLevel())
	handlerOpts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	base = slog.New(handler)
	return nil
}

// SetOutput points the logger at w with the text handler. Tests use it to
// capture records.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

func SetLevel(level LogLevel) {
	levelVar.Set(level.slogLevel())
}

func GetLevel() LogLevel {
	switch l := levelVar.Level(); {
	case l <= slog.LevelDebug:
		return DEBUG
	case l <= slog.LevelInfo:
		return INFO
	case l <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// Close flushes and closes the rotated log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	l := base
	mu.RUnlock()

	lvl := level.slogLevel()
	ctx := context.Background()
	if !l.Enabled(ctx, lvl) {
		return
	}

	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.LogAttrs(ctx, lvl, message, attrs...)
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func DebugF(message string, fields map[string]any) { logMessage(DEBUG, "", message, fields) }
func DebugCF(component, message string, fields map[string]any) { logMessage(DEBUG, component, message, fields) }

func Info(message string) { logMessage(INFO, "", message, nil) }
func InfoC(component, message string) { logMessage(INFO, component, message, nil) }
func InfoF(message string, fields map[string]any) { logMessage(INFO, "", message, fields) }
func InfoCF(component, message string, fields map[string]any) { logMessage(INFO, component, message, fields) }

func Warn(message string) { logMessage(WARN, "", message, nil) }
func WarnC(component, message string) { logMessage(WARN, component, message, nil) }
func WarnF(message string, fields map[string]any) { logMessage(WARN, "", message, fields) }
func WarnCF(component, message string, fields map[string]any) { logMessage(WARN, component, message, fields) }

func Error(message string) { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }
func ErrorF(message string, fields map[string]any) { logMessage(ERROR, "", message, fields) }
func ErrorCF(component, message string, fields map[string]any) { logMessage(ERROR, component, message, fields) }
