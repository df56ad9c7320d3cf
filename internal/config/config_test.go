package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"overtone/internal/logging"
	"overtone/internal/pitch"
	"overtone/internal/target"
	"overtone/internal/tuning"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("OVERTONE_HOME", dir)
	t.Setenv("OVERTONE_CONFIG", "")
	return dir
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)

	cfg := DefaultConfig()
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if !reflect.DeepEqual(cfg.Tuning.Settings(), tuning.DefaultSettings()) {
		t.Errorf("tuning defaults do not round-trip: %+v", cfg.Tuning.Settings())
	}
	for _, p := range []string{cfg.Kit.Path, cfg.Storage.Path, cfg.Journal.Dir} {
		if !strings.HasPrefix(p, dir) {
			t.Errorf("path %s should be under %s", p, dir)
		}
	}

	// Only the missing kit file is reported, and only as a warning.
	problems := CheckConfig(cfg)
	if len(problems) != 1 || problems[0].Field != "kit.path" || !problems[0].IsWarning() {
		t.Errorf("unexpected problems: %v", problems)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	dir := isolate(t)

	if got, want := ConfigPath(), filepath.Join(dir, "config.toml"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	t.Setenv("OVERTONE_CONFIG", "/etc/overtone.yaml")
	if got := ConfigPath(); got != "/etc/overtone.yaml" {
		t.Errorf("OVERTONE_CONFIG not honored: %s", got)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := isolate(t)
	t.Chdir(t.TempDir())

	if got := FindConfigFile(); got != ConfigPath() {
		t.Errorf("expected default %s, got %s", ConfigPath(), got)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "version: 2\n")
	if got := FindConfigFile(); got != yamlPath {
		t.Errorf("expected %s, got %s", yamlPath, got)
	}

	// The working directory wins over OVERTONE_HOME.
	writeFile(t, "config.json", "{}")
	if got := FindConfigFile(); got != "config.json" {
		t.Errorf("expected config.json, got %s", got)
	}

	t.Setenv("OVERTONE_CONFIG", "/etc/overtone.toml")
	if got := FindConfigFile(); got != "/etc/overtone.toml" {
		t.Errorf("OVERTONE_CONFIG not honored: %s", got)
	}
}

func TestOvertoneDirFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OVERTONE_HOME", "")
	t.Setenv("HOME", home)

	if got, want := OvertoneDir(), filepath.Join(home, ".overtone"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tuning.LockCents != 5 {
		t.Errorf("expected default lock_cents 5, got %v", cfg.Tuning.LockCents)
	}
}

func TestLoadFileIgnoresEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("OVERTONE_LOCK_CENTS", "9")

	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Tuning.LockCents != 5 {
		t.Errorf("LoadFile applied env: lock_cents %v", cfg.Tuning.LockCents)
	}

	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tuning.LockCents != 9 {
		t.Errorf("Load ignored env: lock_cents %v", cfg.Tuning.LockCents)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `
version = 2

[tuning]
lock_cents = 3.5
hold_ms = 200
coupled_gates = true

[audio]
method = "fft"

[[target.tom]]
max_diameter = 20
hz = 100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tuning.LockCents != 3.5 || cfg.Tuning.HoldMs != 200 || !cfg.Tuning.CoupledGates {
		t.Errorf("tuning section not applied: %+v", cfg.Tuning)
	}
	// Untouched keys keep their defaults.
	if cfg.Tuning.LockMarginCents != 4 {
		t.Errorf("expected default margin, got %v", cfg.Tuning.LockMarginCents)
	}

	s := cfg.Tuning.Settings().Effective()
	if s.Hold != 200*time.Millisecond || s.RearmCooldown != 2000*time.Millisecond/3 {
		t.Errorf("coupled settings wrong: %+v", s)
	}

	if len(cfg.Target.Tom) != 1 || cfg.Target.Tom[0].Hz != 100 {
		t.Errorf("tom table not replaced: %+v", cfg.Target.Tom)
	}
	if len(cfg.Target.Kick) != len(target.DefaultTables().Kick) {
		t.Errorf("kick curve should keep defaults: %+v", cfg.Target.Kick)
	}

	est, err := cfg.Estimator()
	if err != nil {
		t.Fatalf("Estimator: %v", err)
	}
	if est.Method() != pitch.MethodFFT {
		t.Errorf("expected fft estimator, got %s", est.Method())
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := isolate(t)

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"version": 2, "tuning": {"lock_cents": 6}, "storage": {"flush_ms": 50}}`)
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON: %v", err)
	}
	if cfg.Tuning.LockCents != 6 || cfg.FlushDelay() != 50*time.Millisecond {
		t.Errorf("JSON not applied: %+v %+v", cfg.Tuning, cfg.Storage)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "version: 2\nconditioner:\n  max_divisor: 3\nmetrics:\n  enabled: true\n")
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML: %v", err)
	}
	if cfg.Conditioner.MaxDivisor != 3 || !cfg.Metrics.Enabled {
		t.Errorf("YAML not applied: %+v %+v", cfg.Conditioner, cfg.Metrics)
	}
	if cfg.Conditioner.Span != 0.5 {
		t.Errorf("expected default span, got %v", cfg.Conditioner.Span)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[tuning\nlock_cents = ")

	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("OVERTONE_KIT", "/kits/studio.yaml")
	t.Setenv("OVERTONE_LOCK_CENTS", "7.5")
	t.Setenv("OVERTONE_HOLD_MS", "not-a-number")
	t.Setenv("OVERTONE_LOG_LEVEL", "debug")
	t.Setenv("OVERTONE_METRICS_ADDR", ":9999")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Kit.Path != "/kits/studio.yaml" {
		t.Errorf("kit override: %s", cfg.Kit.Path)
	}
	if cfg.Tuning.LockCents != 7.5 {
		t.Errorf("lock_cents override: %v", cfg.Tuning.LockCents)
	}
	if cfg.Tuning.HoldMs != 300 {
		t.Errorf("bad hold override should be ignored, got %d", cfg.Tuning.HoldMs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override: %s", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9999" {
		t.Errorf("metrics override: %+v", cfg.Metrics)
	}
}

func TestValidateConfig(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 9 }, "version"},
		{"kit path", func(c *Config) { c.Kit.Path = "" }, "kit.path"},
		{"lock cents", func(c *Config) { c.Tuning.LockCents = 0 }, "tuning.lock_cents"},
		{"hold", func(c *Config) { c.Tuning.HoldMs = -1 }, "tuning.hold_ms"},
		{"rms", func(c *Config) { c.Tuning.RMSThreshold = 1 }, "tuning.rms_threshold"},
		{"settle", func(c *Config) { c.Tuning.HeadSettleMs = 5000 }, "tuning.head_settle_ms"},
		{"target", func(c *Config) { c.Target.Kick = nil }, "target"},
		{"fold", func(c *Config) { c.Conditioner.Span = 2 }, "conditioner"},
		{"sample rate", func(c *Config) { c.Audio.SampleRate = 100 }, "audio.sample_rate"},
		{"hop", func(c *Config) { c.Audio.HopSize = 0 }, "audio.hop_size"},
		{"range", func(c *Config) { c.Audio.MinHz = 900 }, "audio.min_hz"},
		{"nyquist", func(c *Config) { c.Audio.MaxHz = 30000 }, "audio.max_hz"},
		{"method", func(c *Config) { c.Audio.Method = "yin" }, "audio.method"},
		{"storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"journal", func(c *Config) { c.Journal.Dir = "" }, "journal.dir"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"metrics", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error should match ErrInvalidConfig: %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a %s error, got %v", tt.field, verrs)
			}
		})
	}
}

func TestCoupledGatesSkipIndependentChecks(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Tuning.RearmCooldownMs = -5
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative cooldown should fail when gates are independent")
	}
	cfg.Tuning.CoupledGates = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("cooldown is derived when coupled: %v", err)
	}
}

func TestShortFrameIsOnlyAWarning(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Audio.FrameSize = 1024
	cfg.Audio.HopSize = 256

	problems := CheckConfig(cfg)
	if len(problems.Warnings()) != 2 {
		t.Errorf("expected kit and frame warnings, got %v", problems)
	}
	if problems.HasErrors() {
		t.Errorf("unexpected errors: %v", problems.Errors())
	}
}

func TestMigrateV1(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `
version = 1

[tuning]
hold_s = 0.25
rearm_cooldown_s = 1.2
`)

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Tuning.HoldMs != 250 || cfg.Tuning.RearmCooldownMs != 1200 {
		t.Errorf("durations not converted: %+v", cfg.Tuning)
	}
	if cfg.Tuning.HoldS != 0 || cfg.Tuning.RearmCooldownS != 0 {
		t.Errorf("legacy fields should be cleared: %+v", cfg.Tuning)
	}
	if cfg.Tuning.RequireSilenceMs != 280 {
		t.Errorf("unset legacy field should keep default, got %d", cfg.Tuning.RequireSilenceMs)
	}

	backups, _ := filepath.Glob(path + ".backup-*")
	if len(backups) != 1 {
		t.Errorf("expected one backup, got %v", backups)
	}
}

func TestMigrateConfigNoop(t *testing.T) {
	isolate(t)
	result, err := MigrateConfig(DefaultConfig(), "")
	if err != nil || result != nil {
		t.Errorf("current config should not migrate: %v %v", result, err)
	}

	cfg := DefaultConfig()
	cfg.Version = 0
	if _, err := MigrateConfig(cfg, ""); err == nil {
		t.Error("version 0 has no migration path")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := isolate(t)

	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Tuning.LockCents = 4.5
			cfg.Audio.Device = "USB Audio"
			cfg.Target.Offsets["tom"] = []target.PointOffset{{Index: 2, Cents: 6}}

			path := filepath.Join(dir, "saved"+ext)
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %v", info.Mode().Perm())
			}

			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !reflect.DeepEqual(got.Tuning, cfg.Tuning) {
				t.Errorf("tuning mismatch:\n got %+v\nwant %+v", got.Tuning, cfg.Tuning)
			}
			if got.Audio != cfg.Audio {
				t.Errorf("audio mismatch: %+v", got.Audio)
			}
			if !reflect.DeepEqual(got.Target.Offsets["tom"], cfg.Target.Offsets["tom"]) {
				t.Errorf("offsets mismatch: %+v", got.Target.Offsets)
			}
		})
	}
}

func TestClone(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	clone := cfg.Clone()

	clone.Target.Kick[0].Hz = 1
	clone.Target.Offsets["snare"][0].Cents = 99
	clone.Tuning.LockCents = 1

	if cfg.Target.Kick[0].Hz == 1 || cfg.Target.Offsets["snare"][0].Cents == 99 || cfg.Tuning.LockCents == 1 {
		t.Error("clone shares state with original")
	}
}

func TestLoggerConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"

	lc, err := cfg.LoggerConfig()
	if err != nil {
		t.Fatalf("LoggerConfig: %v", err)
	}
	if lc.Level != logging.LevelWarn || lc.Format != logging.FormatJSON {
		t.Errorf("unexpected logger config: %+v", lc)
	}

	cfg.Logging.Level = "loud"
	if _, err := cfg.LoggerConfig(); err == nil {
		t.Error("expected level error")
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "sub", "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil || !created {
		t.Fatalf("first call should create: created=%v err=%v", created, err)
	}
	_, created, err = LoadOrCreate(path)
	if err != nil || created {
		t.Fatalf("second call should load: created=%v err=%v", created, err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "overtone.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, d := range []string{filepath.Dir(cfg.Storage.Path), cfg.Journal.Dir, filepath.Join(dir, "logs")} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", d)
		}
	}
}

func TestLoaderHotReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "version = 2\n[tuning]\nlock_cents = 5\n")

	loader := NewLoader(path)
	loader.SetLogger(logging.Discard())
	defer loader.Close()

	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := make(chan *Config, 4)
	loader.OnChange(func(c *Config) { changed <- c })
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, path, "version = 2\n[tuning]\nlock_cents = 3\n")
	select {
	case c := <-changed:
		if c.Tuning.LockCents != 3 {
			t.Errorf("expected reloaded lock_cents 3, got %v", c.Tuning.LockCents)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	// An invalid file is reported and the last good config stays.
	writeFile(t, path, "version = 2\n[tuning]\nlock_cents = -1\n")
	select {
	case err := <-loader.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected validation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error after invalid write")
	}
	for len(changed) > 0 {
		if c := <-changed; c.Tuning.LockCents != 3 {
			t.Errorf("invalid reload was applied: lock_cents %v", c.Tuning.LockCents)
		}
	}
}
