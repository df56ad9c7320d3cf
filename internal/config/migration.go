package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It creates a backup of configPath (when non-empty) before migrating.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown config version %d", cfg.Version)
	}
	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 moves second-based gate durations to milliseconds.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	convert := func(name string, seconds *float64, ms *int) {
		if *seconds == 0 {
			return
		}
		if *seconds < 0 || math.IsNaN(*seconds) || math.IsInf(*seconds, 0) {
			warnings = append(warnings, fmt.Sprintf("tuning.%s_s = %v dropped", name, *seconds))
			*seconds = 0
			return
		}
		*ms = int(math.Round(*seconds * 1000))
		changes = append(changes, fmt.Sprintf("tuning.%s_s = %v -> tuning.%s_ms = %d", name, *seconds, name, *ms))
		*seconds = 0
	}
	convert("hold", &cfg.Tuning.HoldS, &cfg.Tuning.HoldMs)
	convert("rearm_cooldown", &cfg.Tuning.RearmCooldownS, &cfg.Tuning.RearmCooldownMs)
	convert("require_silence", &cfg.Tuning.RequireSilenceS, &cfg.Tuning.RequireSilenceMs)

	if cfg.Audio.HopSize == 0 {
		cfg.Audio.HopSize = cfg.Audio.FrameSize / 4
		changes = append(changes, fmt.Sprintf("audio.hop_size set to %d", cfg.Audio.HopSize))
	}
	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// Encode renders the configuration in the given format ("toml", "json",
// "yaml" or "yml").
func Encode(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(cfg, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	case "toml", "":
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# overtone configuration\n# Version %d\n\n", cfg.Version)
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported config format %q", format)
}

// SaveConfig saves the configuration to a file, choosing the format from
// its extension (TOML by default).
func SaveConfig(cfg *Config, path string) error {
	format := "toml"
	switch ext := filepath.Ext(path); ext {
	case ".json", ".yaml", ".yml":
		format = ext[1:]
	}

	data, err := Encode(cfg, format)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
