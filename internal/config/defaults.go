package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// OvertoneDir returns the base overtone directory.
// Uses OVERTONE_HOME when set, otherwise ~/.overtone.
func OvertoneDir() string {
	if envDir := os.Getenv("OVERTONE_HOME"); envDir != "" {
		return envDir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home == "" {
		return fallbackDir()
	}
	return filepath.Join(home, ".overtone")
}

func fallbackDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "overtone")
		}
	}
	return filepath.Join(os.TempDir(), "overtone")
}

// configExtensions are tried in order by FindConfigFile.
var configExtensions = []string{"toml", "json", "yaml", "yml"}

// FindConfigFile searches the current directory, then OvertoneDir, for a
// config file. Returns ConfigPath when none is found.
func FindConfigFile() string {
	if p := os.Getenv("OVERTONE_CONFIG"); p != "" {
		return p
	}
	for _, dir := range []string{".", OvertoneDir()} {
		for _, ext := range configExtensions {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ConfigPath()
}
