package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/mitchellh/go-homedir"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "pkgsync"

// File names inside the application directories.
const (
	configFileName   = "config.toml"
	databaseFileName = "pkgsync.db"
	pidFileName      = "pkgsync.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/pkgsync).
// On macOS, uses ~/Library/Application Support/pkgsync.
func DefaultConfigDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (the SQLite database and the pid file).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/pkgsync).
func DefaultDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// xdgDir returns $env/pkgsync when env is set, otherwise ~/fallback/pkgsync.
func xdgDir(env, home, fallback string) string {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither PKGSYNC_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	return inDir(DefaultConfigDir(), configFileName)
}

// DefaultDatabasePath returns the SQLite database used when no DSN is set.
func DefaultDatabasePath() string {
	return inDir(DefaultDataDir(), databaseFileName)
}

// DefaultPIDPath returns the pid file used by serve when none is configured.
func DefaultPIDPath() string {
	return inDir(DefaultDataDir(), pidFileName)
}

func inDir(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}

// expandHome expands a leading "~" in path. Paths that cannot be expanded
// are returned unchanged.
func expandHome(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}

	return expanded
}
