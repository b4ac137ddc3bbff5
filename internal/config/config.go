// Package config loads and validates proxy configuration.
//
// Configuration comes from a YAML file plus environment overrides. The
// environment always wins so that installer-generated unit files can pin
// per-agent values without editing the shared config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProviderConfig describes one configured upstream provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	Enabled *bool  `yaml:"enabled"` // nil = enabled
}

// IsEnabled reports whether the provider should be registered.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AgentConfig maps an agent to its session artifact directory.
// The directory is only ever used by the reset action; the proxy never
// reads artifact contents.
type AgentConfig struct {
	SessionDir string `yaml:"session_dir"`
}

// StorageConfig selects the usage store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "postgres"
	Path    string `yaml:"path"`    // sqlite file path
	DSN     string `yaml:"dsn"`     // postgres connection string
}

// SessionConfig holds session health defaults. Runtime values live in the
// settings store; these seed the store on first start.
type SessionConfig struct {
	CharLimit           int64 `yaml:"char_limit"`
	PollIntervalMinutes int   `yaml:"poll_interval_minutes"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Output   string `yaml:"output"` // file path, empty = stdout
	Level    string `yaml:"level"`
	ToStdout bool   `yaml:"to_stdout"`
}

// Config is the full proxy configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	AgentName string                    `yaml:"agent_name"`
	Agents    map[string]AgentConfig    `yaml:"agents"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Storage   StorageConfig             `yaml:"storage"`
	Session   SessionConfig             `yaml:"session"`
	Logging   LoggingConfig             `yaml:"logging"`

	// mu guards the fields that Watch() may replace at runtime
	// (Agents and Providers). Everything else is read-only after Load.
	mu sync.RWMutex
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {BaseURL: DefaultAnthropicBaseURL},
			"openai":    {BaseURL: DefaultOpenAIBaseURL},
		},
		Agents: map[string]AgentConfig{},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    DefaultSQLitePath,
		},
		Session: SessionConfig{
			CharLimit:           DefaultSessionCharLimit,
			PollIntervalMinutes: DefaultPollIntervalMinutes,
		},
	}
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies TOKENSPY_* and provider URL environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TOKENSPY_AGENT"); v != "" {
		c.AgentName = v
	}
	if v := os.Getenv("TOKENSPY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TOKENSPY_DB_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TOKENSPY_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TOKENSPY_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("TOKENSPY_SESSION_CHAR_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Session.CharLimit = n
		}
	}
	if v := os.Getenv("TOKENSPY_POLL_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.PollIntervalMinutes = n
		}
	}
	if v := os.Getenv("TOKENSPY_SESSION_DIR"); v != "" && c.AgentName != "" {
		if c.Agents == nil {
			c.Agents = map[string]AgentConfig{}
		}
		c.Agents[c.AgentName] = AgentConfig{SessionDir: v}
	}
	if v := os.Getenv("TOKENSPY_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		c.setProviderURL("anthropic", v)
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.setProviderURL("openai", v)
	}
}

func (c *Config) setProviderURL(name, url string) {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	p := c.Providers[name]
	p.BaseURL = strings.TrimRight(url, "/")
	c.Providers[name] = p
}

// Validate checks the config for unusable values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage backend %q requires a path", c.Storage.Backend)
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage backend %q requires a dsn", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Session.CharLimit <= 0 {
		return fmt.Errorf("session char_limit must be positive, got %d", c.Session.CharLimit)
	}
	for name, p := range c.Providers {
		if p.IsEnabled() && p.BaseURL == "" {
			return fmt.Errorf("provider %q enabled without base_url", name)
		}
	}
	return nil
}

// ProviderBaseURL returns the configured base URL for a provider, or "".
func (c *Config) ProviderBaseURL(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.Providers[name]; ok && p.IsEnabled() {
		return strings.TrimRight(p.BaseURL, "/")
	}
	return ""
}

// AgentSessionDir returns the session artifact directory for an agent, or "".
func (c *Config) AgentSessionDir(agent string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if a, ok := c.Agents[agent]; ok {
		return a.SessionDir
	}
	return ""
}

// EnabledProviders returns the names of providers that should be
// registered at startup.
func (c *Config) EnabledProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Providers))
	for name, p := range c.Providers {
		if p.IsEnabled() {
			names = append(names, name)
		}
	}
	return names
}

// AgentNames returns the agents with a configured session directory.
func (c *Config) AgentNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	return names
}

// replaceReloadable swaps in the hot-reloadable sections from a fresh load.
func (c *Config) replaceReloadable(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = fresh.Agents
	c.Providers = fresh.Providers
}
