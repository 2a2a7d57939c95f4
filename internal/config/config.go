// Package config resolves the agent's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAddress      = "127.0.0.1:8123"
	DefaultRedisChannel = "blockreplay"
	appName             = "BlockReplay"
)

type Config struct {
	Address        string
	DataDir        string
	DatabaseURL    string
	RedisAddr      string
	RedisChannel   string
	AllowedOrigins []string
	ReadyGrace     time.Duration
	LogLevel       slog.Level
}

// DatabasePath is the SQLite file used when no DATABASE_URL is configured.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "recordings.db")
}

func (c Config) VideoDir() string {
	return filepath.Join(c.DataDir, "videos")
}

// LoadDotEnv loads files (".env" when none are given) into the environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(files ...string) (bool, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return false, nil
	}
	if err := godotenv.Load(present...); err != nil {
		return false, fmt.Errorf("failed to load %s: %w", strings.Join(present, ", "), err)
	}
	return true, nil
}

// FromEnv builds a Config from environment variables, falling back to defaults.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := Config{
		Address:      get("BLOCKREPLAY_ADDRESS"),
		DataDir:      get("BLOCKREPLAY_DATA_DIR"),
		DatabaseURL:  get("DATABASE_URL"),
		RedisAddr:    get("REDIS_ADDR"),
		RedisChannel: get("BLOCKREPLAY_REDIS_CHANNEL"),
		LogLevel:     slog.LevelInfo,
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = DefaultRedisChannel
	}
	if cfg.DataDir == "" {
		dir, err := ApplicationDirectory()
		if err != nil {
			return Config{}, err
		}
		cfg.DataDir = dir
	}

	for _, origin := range strings.Split(get("BLOCKREPLAY_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			if origin == "*" {
				return Config{}, fmt.Errorf("BLOCKREPLAY_ALLOWED_ORIGINS: wildcard origin is not allowed")
			}
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if v := get("BLOCKREPLAY_READY_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("BLOCKREPLAY_READY_GRACE: %w", err)
		}
		cfg.ReadyGrace = d
	}

	if v := get("BLOCKREPLAY_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("BLOCKREPLAY_LOG_LEVEL: %w", err)
		}
	}
	return cfg, nil
}

// ApplicationDirectory returns the platform-specific app data dir.
func ApplicationDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return applicationDirectory(runtime.GOOS, homeDirectory), nil
}

func applicationDirectory(goos, homeDirectory string) string {
	switch goos {
	case "darwin":
		return filepath.Join(homeDirectory, "Library", "Application Support", appName)
	case "windows":
		return filepath.Join(homeDirectory, "AppData", "Roaming", appName)
	default: // linux and others
		return filepath.Join(homeDirectory, ".local", "share", appName)
	}
}
