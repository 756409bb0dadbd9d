package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal and come with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns parsed values ready to hand to the store, the archive client
// and the engine.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfgPath = expandHome(cfgPath)

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.StoreDSN != "" {
		cfg.Store.DSN = env.StoreDSN
	}

	if env.ArchiveToken != "" {
		cfg.Archive.Token = env.ArchiveToken
	}

	if env.ClientSecret != "" {
		cfg.Archive.ClientSecret = env.ClientSecret
	}

	if env.ArchiveURL != "" {
		cfg.Archive.BaseURL = env.ArchiveURL
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.StoreDSN != nil {
		cfg.Store.DSN = *cli.StoreDSN
	}

	if cli.BaseURL != nil {
		cfg.Archive.BaseURL = *cli.BaseURL
	}

	// 5. Validate again: overrides may have introduced bad values
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolve(cfg, cfgPath)
}
