// Package logging is overtone's slog setup: a text or JSON handler on
// stderr, stdout or a size-rotated file, with child loggers tagged by
// component and tuning session. Frequency and cents attributes are rounded
// to two decimals on output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config selects where and how a Logger writes.
type Config struct {
	Level  Level
	Format Format

	// Output is "stderr" (default), "stdout", "file" or "both" (stderr and
	// file). Writer, when set, wins over Output.
	Output string
	Writer io.Writer

	// FilePath, MaxSizeKB, MaxBackups and Compress drive the FileRotator.
	FilePath   string
	MaxSizeKB  int64
	MaxBackups int
	Compress   bool

	AddSource bool

	// Component tags every record of the root logger.
	Component string
}

// DefaultConfig logs info and above as text on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSizeKB:  10 * 1024,
		MaxBackups: 5,
		Compress:   true,
		Component:  "overtone",
	}
}

// defaultLogPath follows each platform's convention for per-user logs.
func defaultLogPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "overtone", "overtone.log")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, "overtone", "logs", "overtone.log")
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "overtone", "overtone.log")
}

// Logger is a slog.Logger that owns its log file, if any. Child loggers
// share the parent's file; only the root should be closed.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
	mu      sync.Mutex
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default is the process logger: the one passed to SetDefault, or a stderr
// logger built from DefaultConfig on first use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), config: DefaultConfig()}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs l as the process logger and as slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		config: DefaultConfig(),
	}
}

// New builds a logger; a nil cfg means DefaultConfig. File output opens
// (and creates) cfg.FilePath.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{config: cfg}
	w, err := l.output()
	if err != nil {
		return nil, fmt.Errorf("logging: open output: %w", err)
	}

	h := newHandler(w, cfg)
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	l.Logger = slog.New(h)
	return l, nil
}

func newHandler(w io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: roundMeasurements,
	}
	if cfg.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func (l *Logger) output() (io.Writer, error) {
	if l.config.Writer != nil {
		return l.config.Writer, nil
	}

	out := strings.ToLower(l.config.Output)
	switch out {
	case "file", "both":
	case "stdout":
		return os.Stdout, nil
	default:
		return os.Stderr, nil
	}

	rotator, err := NewFileRotator(l.config)
	if err != nil {
		return nil, err
	}
	l.rotator = rotator
	if out == "both" {
		return io.MultiWriter(os.Stderr, rotator), nil
	}
	return rotator, nil
}

// roundMeasurements keeps frequency and cents attributes readable.
func roundMeasurements(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindFloat64 {
		return a
	}
	if strings.HasSuffix(a.Key, "hz") || strings.HasSuffix(a.Key, "cents") {
		v := a.Value.Float64()
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			a.Value = slog.Float64Value(math.Round(v*100) / 100)
		}
	}
	return a
}

func (l *Logger) child(inner *slog.Logger) *Logger {
	return &Logger{Logger: inner, config: l.config, rotator: l.rotator}
}

// WithComponent returns a new logger with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.child(l.Logger.With(slog.String("component", name)))
}

// WithSession returns a new logger tagged with a tuning session id.
func (l *Logger) WithSession(id string) *Logger {
	return l.child(l.Logger.With(slog.String("session_id", id)))
}

// Close closes any open log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(s)
	if name == "warning" {
		name = "warn"
	}
	for level, n := range levelNames {
		if n == name {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// LevelString names a level the way ParseLevel reads it. Levels between
// the named ones report as info.
func LevelString(level Level) string {
	if n, ok := levelNames[level]; ok {
		return n
	}
	return "info"
}
