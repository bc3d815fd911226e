// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then <dir>/config.yml, then <dir>/config.local.yml,
// then OTPAD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/burntcarrot/otpad/store"
	"gopkg.in/yaml.v3"
)

// DefaultDir is the directory searched for configuration files.
const DefaultDir = "config"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// SendQueue is the number of outgoing messages buffered per connection. A connection that falls
	// further behind is closed.
	SendQueue int `yaml:"send_queue"`
}

type SessionConfig struct {
	// HistoryLimit is the number of commits each session keeps in memory. Zero keeps everything.
	HistoryLimit int `yaml:"history_limit"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"`
	BoltPath    string `yaml:"bolt_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			SendQueue: 256,
		},
		Session: SessionConfig{
			HistoryLimit: 1000,
		},
		Storage: StorageConfig{
			Backend:     string(store.BackendMemory),
			BoltPath:    "otpad.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "otpad:history:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads the configuration from dir. Missing files are skipped.
func LoadConfig(dir string) (*Config, error) {
	cfg := Default()

	for _, name := range []string{"config.yml", "config.local.yml"} {
		if err := loadFile(filepath.Join(dir, name), cfg); err != nil {
			return nil, err
		}
	}

	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) error {
	strs := map[string]*string{
		"OTPAD_ADDR":         &cfg.Server.Addr,
		"OTPAD_STORE":        &cfg.Storage.Backend,
		"OTPAD_BOLT_PATH":    &cfg.Storage.BoltPath,
		"OTPAD_REDIS_ADDR":   &cfg.Storage.RedisAddr,
		"OTPAD_REDIS_PREFIX": &cfg.Storage.RedisPrefix,
		"OTPAD_LOG_LEVEL":    &cfg.Log.Level,
		"OTPAD_LOG_FORMAT":   &cfg.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"OTPAD_HISTORY_LIMIT": &cfg.Session.HistoryLimit,
		"OTPAD_SEND_QUEUE":    &cfg.Server.SendQueue,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// StoreOptions returns the history store options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:     store.Backend(c.Storage.Backend),
		BoltPath:    c.Storage.BoltPath,
		RedisAddr:   c.Storage.RedisAddr,
		RedisPrefix: c.Storage.RedisPrefix,
	}
}
