package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"overtone/internal/logging"
)

// ReloadDebounce coalesces bursts of file events into one reload.
const ReloadDebounce = 100 * time.Millisecond

// Loader reads one configuration file and, once Watch is called, rereads
// it whenever it changes on disk.
type Loader struct {
	path     string
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	log      *logging.Logger
}

// NewLoader prepares a loader for path. Nothing is read until Load.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.Default().WithComponent("config"),
	}
}

// SetLogger replaces the loader's logger.
func (l *Loader) SetLogger(log *logging.Logger) {
	if log != nil {
		l.log = log.WithComponent("config")
	}
}

// Path is the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, migrates and validates the configuration file. A migrated
// file is backed up before it is rewritten.
func (l *Loader) Load() (*Config, error) {
	return l.read(true)
}

func (l *Loader) read(backup bool) (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if cfg.Version < Version {
		path := ""
		if backup {
			path = l.path
		}
		result, err := MigrateConfig(cfg, path)
		if err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if result != nil {
			l.log.Info("config migrated",
				"from", result.FromVersion,
				"to", result.ToVersion,
				"backup", result.Backup,
				"changes", len(result.Changes))
			for _, w := range result.Warnings {
				l.log.Warn("config migration", "warning", w)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Watch reloads the file after it is written and hands each valid result
// to the OnChange callbacks. Invalid files are reported on Errors.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Editors replace files on save, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()

	return nil
}

func (l *Loader) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-l.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(ReloadDebounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// reload attempts to reload the configuration. An invalid file keeps the
// current configuration.
func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}

	newCfg, err := l.read(false)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	callbacks := append([](func(*Config))(nil), l.onChange...)
	l.mu.Unlock()

	l.log.Info("config reloaded", "path", l.path)
	for _, cb := range callbacks {
		cb(newCfg)
	}
}

func (l *Loader) report(err error) {
	l.log.Warn("config watch", "error", err)
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange adds a callback for successful reloads. Callbacks run on the
// watcher's goroutine.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors reports watcher failures and rejected reloads. While one is
// undelivered, later ones are only logged.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops watching.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

type decodeFunc func(data []byte, cfg *Config) error

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func decodeJSON(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) }
func decodeYAML(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) }

// decoders maps a file extension to its format. Files with any other
// extension are tried against each format in turn.
var decoders = map[string]struct {
	name   string
	decode decodeFunc
}{
	".toml": {"TOML", decodeTOML},
	".json": {"JSON", decodeJSON},
	".yaml": {"YAML", decodeYAML},
	".yml":  {"YAML", decodeYAML},
}

// loadConfigFromFile decodes path over DefaultConfig. A missing file is
// not an error; it yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if d, ok := decoders[filepath.Ext(path)]; ok {
		if err := d.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.name, err)
		}
		return cfg, nil
	}

	for _, decode := range []decodeFunc{decodeTOML, decodeJSON, decodeYAML} {
		cfg = DefaultConfig()
		if decode(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("parse config: %s is not TOML, JSON or YAML", path)
}

// LoadOrCreate loads the configuration from path, writing a default file
// first if none exists. The bool reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
