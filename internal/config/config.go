package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mozilla-services/patches-server/internal/orchestrator"
	"github.com/mozilla-services/patches-server/internal/source"
	"github.com/mozilla-services/patches-server/internal/source/clair"
	"github.com/mozilla-services/patches-server/internal/source/stub"
)

// Config is the on-disk shape of the server's YAML configuration file.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Sources     SourcesConfig     `yaml:"sources"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SessionsConfig mirrors orchestrator.Config's session-lifecycle knobs.
type SessionsConfig struct {
	MaxActiveSessions     int `yaml:"max_active_sessions"`
	MaxQueuedSessions     int `yaml:"max_queued_sessions"`
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`
	MaxVulnsToServe       int `yaml:"max_vulns_to_serve"`
}

// SourcesConfig is the on-disk shape of the "sources" config map; its
// fields are the enumerated source kinds this server recognizes.
type SourcesConfig struct {
	Clair   ClairSourceConfig   `yaml:"clair"`
	Testing TestingSourceConfig `yaml:"testing"`
}

// ClairSourceConfig is the "clair" source config entry.
type ClairSourceConfig struct {
	BaseAddress string `yaml:"base_address"`
	FetchLimit  int    `yaml:"fetch_limit"`
}

// TestingSourceConfig is the "testing" source config entry, exercised only
// against the internal __testing_stub__ platform tag.
type TestingSourceConfig struct {
	Vulns int `yaml:"vulns"`
}

// PersistenceConfig addresses the Redis instance backing the Persistence
// Adapter.
type PersistenceConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Load reads and parses the YAML file at path, applying defaults for any
// field the file leaves unset.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default
// configuration if the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Sessions: SessionsConfig{
			MaxActiveSessions:     128,
			MaxQueuedSessions:     1024,
			SessionTimeoutSeconds: 30,
			MaxVulnsToServe:       128,
		},
		Persistence: PersistenceConfig{
			RedisAddr: "127.0.0.1:6379",
		},
	}
}

// Orchestrator translates c's sessions/sources sections into an
// orchestrator.Config, ready to pass to orchestrator.New.
func (c *Config) Orchestrator() orchestrator.Config {
	maxActive := c.Sessions.MaxActiveSessions
	maxQueued := c.Sessions.MaxQueuedSessions
	sessionTimeout := c.Sessions.SessionTimeoutSeconds
	maxVulns := c.Sessions.MaxVulnsToServe

	sources := source.Configs{
		Clair: clair.Config{
			BaseAddress: c.Sources.Clair.BaseAddress,
			FetchLimit:  c.Sources.Clair.FetchLimit,
		},
		Testing: stub.Config{
			Vulns: c.Sources.Testing.Vulns,
		},
	}

	return orchestrator.Config{
		Sources:               &sources,
		MaxActiveSessions:     &maxActive,
		MaxQueuedSessions:     &maxQueued,
		SessionTimeoutSeconds: &sessionTimeout,
		MaxVulnsToServe:       &maxVulns,
	}
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "patches-server", "config.yaml")
}
