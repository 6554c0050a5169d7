// Package config loads mnemo configuration from TOML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds all mnemo configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Crypto   CryptoConfig   `toml:"crypto"`
	Admin    AdminConfig    `toml:"admin"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type CryptoConfig struct {
	// Key is the 64-hex-character AES-256 key. Empty means a fresh key is
	// generated per process; memories then do not survive a restart.
	Key string `toml:"key"`
}

type AdminConfig struct {
	// Token guards the admin endpoints (key minting, reclamation).
	Token string `toml:"token"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 8002,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
	}
}

// DefaultPath returns the default config file location: ~/.mnemo/config.toml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".mnemo", "config.toml"), nil
}

// Load reads a TOML config file over the defaults, then applies
// environment overrides. A missing file at the default location is fine;
// a missing file at an explicitly given path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !explicit && os.IsNotExist(err) {
			// No config file; defaults + env only.
		} else {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MNEMO_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MNEMO_ENCRYPTION_KEY"); v != "" {
		cfg.Crypto.Key = v
	}
	if v := os.Getenv("MNEMO_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("MNEMO_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
