package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the ambient, environment-driven settings for the CLI and
// any long-running host process: where to find chip/firmware archives,
// and the policy knobs spec §9's Open Questions leave to the implementer.
type Config struct {
	// Home is EM100_HOME: the directory holding configs.tar.xz and
	// firmware.tar.xz (spec §6 "Persisted state"). Neither the core
	// package nor the CLI reads it; this module has no archive loader.
	Home string

	// Timeout holds EM100_TIMEOUT_MS. Nothing applies it: the transport
	// always uses em100.DefaultTimeout.
	Timeout time.Duration

	// SettleAfterSectorErase mirrors em100.FlashOptions.SettleAfterSectorErase.
	SettleAfterSectorErase bool

	// Verbose holds EM100_VERBOSE. Nothing reads it: device bring-up
	// logging is unconditional.
	Verbose bool
}

var (
	loaded     *Config
	configDone bool
)

// Load reads .env (if present, walking up from the working directory to
// the nearest go.mod) then applies EM100_HOME/EM100_TIMEOUT_MS/
// EM100_SETTLE_SECTOR_ERASE/EM100_VERBOSE environment overrides. Results
// are cached after the first call.
func Load() (*Config, error) {
	if loaded != nil && configDone {
		return loaded, nil
	}

	cfg := &Config{}

	envPath := filepath.Join(findProjectRoot(), ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	if home := os.Getenv("EM100_HOME"); home != "" {
		cfg.Home = home
	}
	if ms := os.Getenv("EM100_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.Timeout = time.Duration(v) * time.Millisecond
		}
	}
	if v := os.Getenv("EM100_SETTLE_SECTOR_ERASE"); v != "" {
		cfg.SettleAfterSectorErase = isTruthy(v)
	}
	if v := os.Getenv("EM100_VERBOSE"); v != "" {
		cfg.Verbose = isTruthy(v)
	}

	if cfg.Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Home = filepath.Join(home, ".em100")
		}
	}

	loaded = cfg
	configDone = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "EM100_HOME":
			cfg.Home = value
		case "EM100_TIMEOUT_MS":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.Timeout = time.Duration(v) * time.Millisecond
			}
		case "EM100_SETTLE_SECTOR_ERASE":
			cfg.SettleAfterSectorErase = isTruthy(value)
		case "EM100_VERBOSE":
			cfg.Verbose = isTruthy(value)
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
