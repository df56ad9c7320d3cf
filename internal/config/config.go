// Package config handles configuration loading, validation, and management for overtone.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"overtone/internal/condition"
	"overtone/internal/logging"
	"overtone/internal/pitch"
	"overtone/internal/target"
	"overtone/internal/tuning"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete tuner configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Kit points at the drum catalog.
	Kit KitConfig `toml:"kit" json:"kit" yaml:"kit"`

	// Tuning holds the lock and advance parameters.
	Tuning TuningConfig `toml:"tuning" json:"tuning" yaml:"tuning"`

	// Target holds the base curves, reso ratio and per-lug offsets.
	Target target.Tables `toml:"target" json:"target" yaml:"target"`

	// Conditioner holds the harmonic fold parameters.
	Conditioner condition.FoldConfig `toml:"conditioner" json:"conditioner" yaml:"conditioner"`

	// Audio configures capture and pitch estimation.
	Audio AudioConfig `toml:"audio" json:"audio" yaml:"audio"`

	// Storage configures the progress database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Journal configures the per-session lock journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configures the optional HTTP exposition endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// KitConfig locates the kit file.
type KitConfig struct {
	// Path is a TOML, JSON or YAML kit document.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// TuningConfig mirrors tuning.Settings with durations in milliseconds.
type TuningConfig struct {
	LockCents        float64 `toml:"lock_cents" json:"lock_cents" yaml:"lock_cents"`
	LockMarginCents  float64 `toml:"lock_margin_cents" json:"lock_margin_cents" yaml:"lock_margin_cents"`
	HoldMs           int     `toml:"hold_ms" json:"hold_ms" yaml:"hold_ms"`
	RMSThreshold     float64 `toml:"rms_threshold" json:"rms_threshold" yaml:"rms_threshold"`
	RearmCooldownMs  int     `toml:"rearm_cooldown_ms" json:"rearm_cooldown_ms" yaml:"rearm_cooldown_ms"`
	RequireSilenceMs int     `toml:"require_silence_ms" json:"require_silence_ms" yaml:"require_silence_ms"`
	AutoAdvance      bool    `toml:"auto_advance" json:"auto_advance" yaml:"auto_advance"`
	PointSettleMs    int     `toml:"point_settle_ms" json:"point_settle_ms" yaml:"point_settle_ms"`
	HeadSettleMs     int     `toml:"head_settle_ms" json:"head_settle_ms" yaml:"head_settle_ms"`

	// CoupledGates derives cooldown and silence from HoldMs.
	CoupledGates bool `toml:"coupled_gates" json:"coupled_gates" yaml:"coupled_gates"`

	// Version 1 durations in seconds, converted by MigrateConfig.
	HoldS           float64 `toml:"hold_s,omitempty" json:"hold_s,omitempty" yaml:"hold_s,omitempty"`
	RearmCooldownS  float64 `toml:"rearm_cooldown_s,omitempty" json:"rearm_cooldown_s,omitempty" yaml:"rearm_cooldown_s,omitempty"`
	RequireSilenceS float64 `toml:"require_silence_s,omitempty" json:"require_silence_s,omitempty" yaml:"require_silence_s,omitempty"`
}

// AudioConfig configures the audio front-end.
type AudioConfig struct {
	// Device is a PortAudio input device name; empty selects the default.
	Device     string  `toml:"device" json:"device" yaml:"device"`
	SampleRate float64 `toml:"sample_rate" json:"sample_rate" yaml:"sample_rate"`

	// FrameSize is the analysis window in samples, HopSize the distance
	// between consecutive windows.
	FrameSize int `toml:"frame_size" json:"frame_size" yaml:"frame_size"`
	HopSize   int `toml:"hop_size" json:"hop_size" yaml:"hop_size"`

	MinHz float64 `toml:"min_hz" json:"min_hz" yaml:"min_hz"`
	MaxHz float64 `toml:"max_hz" json:"max_hz" yaml:"max_hz"`

	// Method is the autocorrelation method: "direct" or "fft".
	Method string `toml:"method" json:"method" yaml:"method"`

	// Filter enables the band-following high-pass/low-pass pair.
	Filter bool `toml:"filter" json:"filter" yaml:"filter"`
}

// StorageConfig configures the SQLite progress store.
type StorageConfig struct {
	// Path is the database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// FlushMs is the write coalescing delay.
	FlushMs int `toml:"flush_ms" json:"flush_ms" yaml:"flush_ms"`
}

// JournalConfig configures the session journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Dir     string `toml:"dir" json:"dir" yaml:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeKB triggers rotation.
	MaxSizeKB int64 `toml:"max_size_kb" json:"max_size_kb" yaml:"max_size_kb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig configures metrics exposition.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the listen address, e.g. "127.0.0.1:9464".
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := OvertoneDir()
	settings := tuning.DefaultSettings()
	logs := logging.DefaultConfig()

	return &Config{
		Version: Version,
		Kit: KitConfig{
			Path: filepath.Join(dir, "kit.toml"),
		},
		Tuning:      TuningFromSettings(settings),
		Target:      target.DefaultTables(),
		Conditioner: condition.DefaultFold(),
		Audio: AudioConfig{
			SampleRate: 48000,
			FrameSize:  4096,
			HopSize:    1024,
			MinHz:      tuning.DefaultMinHz,
			MaxHz:      tuning.DefaultMaxHz,
			Method:     string(pitch.MethodDirect),
			Filter:     true,
		},
		Storage: StorageConfig{
			Path:    filepath.Join(dir, "overtone.db"),
			FlushMs: 600,
		},
		Journal: JournalConfig{
			Enabled: true,
			Dir:     filepath.Join(dir, "journal"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logs.FilePath,
			MaxSizeKB:  logs.MaxSizeKB,
			MaxBackups: logs.MaxBackups,
			Compress:   logs.Compress,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the configuration file path: $OVERTONE_CONFIG, or
// config.toml in OvertoneDir.
func ConfigPath() string {
	if p := os.Getenv("OVERTONE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(OvertoneDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// LoadFile reads path without environment overrides, for tools that
// rewrite the file.
func LoadFile(path string) (*Config, error) {
	return loadConfigFromFile(path)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the tuner writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
	}
	if c.Journal.Enabled {
		dirs = append(dirs, c.Journal.Dir)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with OVERTONE_ and use underscores.
// Unparseable numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("OVERTONE_KIT"); v != "" {
		c.Kit.Path = v
	}

	// Storage overrides
	if v := os.Getenv("OVERTONE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("OVERTONE_JOURNAL_DIR"); v != "" {
		c.Journal.Dir = v
	}

	// Audio overrides
	if v := os.Getenv("OVERTONE_AUDIO_DEVICE"); v != "" {
		c.Audio.Device = v
	}
	if v := os.Getenv("OVERTONE_PITCH_METHOD"); v != "" {
		c.Audio.Method = v
	}

	// Tuning overrides
	if v, err := strconv.ParseFloat(os.Getenv("OVERTONE_LOCK_CENTS"), 64); err == nil {
		c.Tuning.LockCents = v
	}
	if v, err := strconv.Atoi(os.Getenv("OVERTONE_HOLD_MS")); err == nil {
		c.Tuning.HoldMs = v
	}

	// Logging overrides
	if v := os.Getenv("OVERTONE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OVERTONE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("OVERTONE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	t := c.Target
	t.Kick = append([]target.Knot(nil), t.Kick...)
	t.Snare = append([]target.Knot(nil), t.Snare...)
	t.Tom = append([]target.Band(nil), t.Tom...)
	if t.Offsets != nil {
		offsets := make(map[string][]target.PointOffset, len(t.Offsets))
		for k, v := range t.Offsets {
			offsets[k] = append([]target.PointOffset(nil), v...)
		}
		t.Offsets = offsets
	}
	clone.Target = t

	return &clone
}

// TuningFromSettings converts engine settings to their file form.
func TuningFromSettings(s tuning.Settings) TuningConfig {
	return TuningConfig{
		LockCents:        s.LockCents,
		LockMarginCents:  s.LockMarginCents,
		HoldMs:           int(s.Hold / time.Millisecond),
		RMSThreshold:     s.RMSThreshold,
		RearmCooldownMs:  int(s.RearmCooldown / time.Millisecond),
		RequireSilenceMs: int(s.RequireSilence / time.Millisecond),
		AutoAdvance:      s.AutoAdvance,
		PointSettleMs:    int(s.PointSettle / time.Millisecond),
		HeadSettleMs:     int(s.HeadSettle / time.Millisecond),
		CoupledGates:     s.CoupledGates,
	}
}

// Settings converts the tuning section to engine settings.
func (t TuningConfig) Settings() tuning.Settings {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return tuning.Settings{
		LockCents:       t.LockCents,
		LockMarginCents: t.LockMarginCents,
		Hold:            ms(t.HoldMs),
		RMSThreshold:    t.RMSThreshold,
		RearmCooldown:   ms(t.RearmCooldownMs),
		RequireSilence:  ms(t.RequireSilenceMs),
		AutoAdvance:     t.AutoAdvance,
		PointSettle:     ms(t.PointSettleMs),
		HeadSettle:      ms(t.HeadSettleMs),
		CoupledGates:    t.CoupledGates,
	}
}

// Model builds the target model from the target section.
func (c *Config) Model() (*target.Model, error) {
	return target.New(c.Target)
}

// Estimator builds the pitch estimator from the audio section.
func (c *Config) Estimator() (*pitch.Estimator, error) {
	method, err := pitch.ParseMethod(c.Audio.Method)
	if err != nil {
		return nil, err
	}
	return pitch.NewEstimator(c.Audio.MinHz, c.Audio.MaxHz, method)
}

// FlushDelay is the store coalescing delay.
func (c *Config) FlushDelay() time.Duration {
	return time.Duration(c.Storage.FlushMs) * time.Millisecond
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	lc := logging.DefaultConfig()
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSizeKB = c.Logging.MaxSizeKB
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc, nil
}
