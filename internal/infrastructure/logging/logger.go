package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/radiowatch/radiowatch-core/internal/infrastructure/config"
)

// levelNames maps configuration strings to slog levels. Unknown names
// fall back to info.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Logger is the structured logger for RadioWatch Core.
//
// It embeds a slog.Logger carrying the service fields, and keeps the
// level behind a slog.LevelVar so verbosity can be raised on a live
// process; the packet path logs at debug and is far too hot to leave
// enabled permanently.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds the process logger from the logging configuration.
func New(cfg config.LoggingConfig, version string) *Logger {
	level := new(slog.LevelVar)
	if l, ok := levelNames[strings.ToLower(cfg.Level)]; ok {
		level.Set(l)
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	base := slog.New(handler).With(
		"service", "radiowatch",
		"version", version,
	)

	return &Logger{Logger: base, level: level}
}

// SetLevel changes the verbosity of this logger and every child derived
// from it. Unknown names are ignored.
func (l *Logger) SetLevel(name string) {
	if lvl, ok := levelNames[strings.ToLower(name)]; ok && l.level != nil {
		l.level.Set(lvl)
	}
}

// Component returns a child logger tagged with a subsystem name
// (tracker, store, api, ...). Children share the parent's level var.
func (l *Logger) Component(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
	}
}

// Device returns a child logger tagged with a device identity. Key and
// mac are Stringers so callers pass tracker types without this package
// depending on them.
func (l *Logger) Device(key, mac fmt.Stringer) *Logger {
	return &Logger{
		Logger: l.Logger.With("device", key.String(), "mac", mac.String()),
		level:  l.level,
	}
}

// Phy returns a child logger tagged with a PHY handler identity.
func (l *Logger) Phy(name string, id int) *Logger {
	return &Logger{
		Logger: l.Logger.With("phy", name, "phy_id", id),
		level:  l.level,
	}
}

// With returns a child logger with additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// Default creates a stdout JSON logger at info level, for early startup
// before the configuration file has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Format: "json", Output: "stdout"}, "dev")
}
