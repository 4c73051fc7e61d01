// Package config handles YAML configuration loading and path resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full set of options recognized in config.yaml.
type Config struct {
	BotToken           string            `yaml:"bot_token"`
	Database           []string          `yaml:"database"`
	BlacklistContact   string            `yaml:"blacklist_contact"`
	EnableSigning      bool              `yaml:"enable_signing"`
	AllowRemoveCommand bool              `yaml:"allow_remove_command"`
	AllowContacts      bool              `yaml:"allow_contacts"`
	AllowDocuments     bool              `yaml:"allow_documents"`
	MediaLimitHours    *int              `yaml:"media_limit_period"`
	SignLimitInterval  int               `yaml:"sign_limit_interval"`
	SecretSalt         string            `yaml:"secret_salt"`
	LinkedNetworkRaw   yaml.Node         `yaml:"linked_network"`
	LinkedNetwork      map[string]string `yaml:"-"`
}

// MediaLimitPeriod returns the configured media limit as a Duration, or 0 if unset.
func (c *Config) MediaLimitPeriod() time.Duration {
	if c.MediaLimitHours == nil {
		return 0
	}
	return time.Duration(*c.MediaLimitHours) * time.Hour
}

// SignInterval returns the signed-message rate limit interval, defaulting to 600s.
func (c *Config) SignInterval() time.Duration {
	if c.SignLimitInterval <= 0 {
		return 600 * time.Second
	}
	return time.Duration(c.SignLimitInterval) * time.Second
}

// Load reads and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.resolveLinkedNetwork(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("resolve linked_network: %w", err)
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot_token is required")
	}
	if len(cfg.Database) < 1 {
		return nil, fmt.Errorf("database is required")
	}
	switch cfg.Database[0] {
	case "json":
		if len(cfg.Database) != 2 {
			return nil, fmt.Errorf("database: json backend requires exactly one path argument")
		}
	case "sqlite":
		if len(cfg.Database) != 2 {
			return nil, fmt.Errorf("database: sqlite backend requires exactly one path argument")
		}
		if dir := filepath.Dir(cfg.Database[1]); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Database[0])
	}

	return &cfg, nil
}

// resolveLinkedNetwork decodes linked_network, which is either an inline
// mapping or a path to a YAML file holding one, relative to the main config's directory.
func (c *Config) resolveLinkedNetwork(configDir string) error {
	if c.LinkedNetworkRaw.Kind == 0 {
		return nil
	}
	if c.LinkedNetworkRaw.Kind == yaml.ScalarNode {
		var path string
		if err := c.LinkedNetworkRaw.Decode(&path); err != nil {
			return err
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(configDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var m map[string]string
		if err := yaml.Unmarshal(data, &m); err != nil {
			return err
		}
		c.LinkedNetwork = m
		return nil
	}
	var m map[string]string
	if err := c.LinkedNetworkRaw.Decode(&m); err != nil {
		return err
	}
	c.LinkedNetwork = m
	return nil
}

// Store guards a *Config behind an RWMutex so a running process can reload
// configuration without racing readers (mirrors the teacher's config.Store).
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewStore loads path and wraps the result in a Store.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, path: path}, nil
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the config file from disk.
func (s *Store) Reload() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg, nil
}

// Resolve returns the config path, honoring the -c CLI flag and defaulting
// to ./config.yaml when unset.
func Resolve(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return "./config.yaml"
}
