// Package config loads the spunlock CLI's YAML configuration: where the
// per-user synthetic-password artifacts live on disk and which keystore
// alias unwraps each user's key-blob family.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root of the spunlock CLI's configuration file.
type Config struct {
	Storage StorageConfig      `yaml:"storage"`
	Users   []UserKeystoreInfo `yaml:"users"`
}

// StorageConfig names the on-disk roots the engine reads (spec §6
// "on-disk layout").
type StorageConfig struct {
	SystemDEDir string `yaml:"system_de_dir"`
	SystemDir   string `yaml:"system_dir"`
}

// UserKeystoreInfo is one entry of the small persistent record mapping an
// Android user id to its blob-family handle and keystore alias (spec §4.6).
type UserKeystoreInfo struct {
	UID           uint32 `yaml:"uid"`
	Handle        string `yaml:"handle"`
	KeystoreAlias string `yaml:"keystore_alias"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every required field is present and that the
// storage roots exist.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.SystemDEDir) == "" {
		return fmt.Errorf("config.storage.system_de_dir is required")
	}
	if err := validateDir(c.Storage.SystemDEDir, "config.storage.system_de_dir"); err != nil {
		return err
	}

	if strings.TrimSpace(c.Storage.SystemDir) == "" {
		return fmt.Errorf("config.storage.system_dir is required")
	}
	if err := validateDir(c.Storage.SystemDir, "config.storage.system_dir"); err != nil {
		return err
	}

	if len(c.Users) == 0 {
		return fmt.Errorf("config.users must list at least one user")
	}
	seen := make(map[uint32]bool, len(c.Users))
	for i, u := range c.Users {
		if seen[u.UID] {
			return fmt.Errorf("config.users[%d]: duplicate uid %d", i, u.UID)
		}
		seen[u.UID] = true
		if strings.TrimSpace(u.Handle) == "" {
			return fmt.Errorf("config.users[%d]: handle is required", i)
		}
		if strings.TrimSpace(u.KeystoreAlias) == "" {
			return fmt.Errorf("config.users[%d]: keystore_alias is required", i)
		}
	}

	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Storage.SystemDEDir = resolvePath(configDir, c.Storage.SystemDEDir)
	c.Storage.SystemDir = resolvePath(configDir, c.Storage.SystemDir)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateDir(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s must point to a directory", field)
	}
	return nil
}
