// Package config provides configuration management for the multiagents server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the multiagents server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite storage configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite file; empty uses ~/.multiagents/multiagents.db
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentPersonaConfig holds per-vendor agent defaults.
type AgentPersonaConfig struct {
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"systemPrompt"`
	Permissions  string `mapstructure:"permissions"` // bypass, auto, manual
}

// AgentsConfig holds which agents are enabled and their defaults.
type AgentsConfig struct {
	Enabled []string           `mapstructure:"enabled"`
	Claude  AgentPersonaConfig `mapstructure:"claude"`
	Codex   AgentPersonaConfig `mapstructure:"codex"`
	Kimi    AgentPersonaConfig `mapstructure:"kimi"`
}

// TimeoutsConfig holds turn and permission timeout knobs, in seconds.
type TimeoutsConfig struct {
	Idle       int `mapstructure:"idle"`       // per-turn idle timeout
	Parse      int `mapstructure:"parse"`      // output parse budget
	Send       int `mapstructure:"send"`       // stdin write budget
	Hard       int `mapstructure:"hard"`       // hard per-turn cap, 0 = off
	Permission int `mapstructure:"permission"` // pending approval reply, 0 = no timeout
}

// ChatConfig holds room and session-runner tuning.
type ChatConfig struct {
	WarmupTTL      int     `mapstructure:"warmupTtl"`      // seconds idle agents survive after last subscriber
	AckTTL         int     `mapstructure:"ackTtl"`         // seconds before unacked event tracking is dropped
	MaxEvents      int     `mapstructure:"maxEvents"`      // per-session stored event cap
	RelayCooldown  int     `mapstructure:"relayCooldown"`  // seconds a relayed share suppresses duplicates
	DMDebounce     float64 `mapstructure:"dmDebounce"`     // seconds DMs to one agent are coalesced
	ScriptsDir     string  `mapstructure:"scriptsDir"`     // prepended to subprocess PATH
	PublicURL      string  `mapstructure:"publicUrl"`      // injected as MULTIAGENTS_URL
	RateLimitMsgs  int     `mapstructure:"rateLimitMsgs"`  // client control messages per window
	RateLimitSecs  int     `mapstructure:"rateLimitSecs"`  // rate limit window
	PersistentMode bool    `mapstructure:"persistentMode"` // inbox/settlement room vs round-batched room
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleDuration returns the per-turn idle timeout as a time.Duration.
func (t *TimeoutsConfig) IdleDuration() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

// ParseDuration returns the parse budget as a time.Duration.
func (t *TimeoutsConfig) ParseDuration() time.Duration {
	return time.Duration(t.Parse) * time.Second
}

// PermissionDuration returns the permission reply budget as a time.Duration.
func (t *TimeoutsConfig) PermissionDuration() time.Duration {
	return time.Duration(t.Permission) * time.Second
}

// ResolvePath returns the configured database path, defaulting to
// ~/.multiagents/multiagents.db when unset.
func (d *DatabaseConfig) ResolvePath() string {
	if d.Path != "" {
		return d.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "multiagents.db"
	}
	return filepath.Join(home, ".multiagents", "multiagents.db")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MULTIAGENTS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty path resolves to ~/.multiagents/multiagents.db
	v.SetDefault("database.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "multiagents")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agents.enabled", []string{"claude", "codex", "kimi"})
	for _, name := range []string{"claude", "codex", "kimi"} {
		v.SetDefault("agents."+name+".model", "")
		v.SetDefault("agents."+name+".systemPrompt", "")
		v.SetDefault("agents."+name+".permissions", "bypass")
	}

	// Timeout defaults (seconds)
	v.SetDefault("timeouts.idle", 1800)
	v.SetDefault("timeouts.parse", 1200)
	v.SetDefault("timeouts.send", 120)
	v.SetDefault("timeouts.hard", 0)
	v.SetDefault("timeouts.permission", 120)

	// Chat defaults
	v.SetDefault("chat.warmupTtl", 300)
	v.SetDefault("chat.ackTtl", 300)
	v.SetDefault("chat.maxEvents", 2000)
	v.SetDefault("chat.relayCooldown", 8)
	v.SetDefault("chat.dmDebounce", 0.5)
	v.SetDefault("chat.scriptsDir", "")
	v.SetDefault("chat.publicUrl", "")
	v.SetDefault("chat.rateLimitMsgs", 100)
	v.SetDefault("chat.rateLimitSecs", 10)
	v.SetDefault("chat.persistentMode", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MULTIAGENTS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/multiagents/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MULTIAGENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/multiagents/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validVendors := map[string]bool{"claude": true, "codex": true, "kimi": true}
	for _, name := range cfg.Agents.Enabled {
		if !validVendors[strings.ToLower(name)] {
			errs = append(errs, fmt.Sprintf("agents.enabled contains unknown agent type %q", name))
		}
	}
	validPermissions := map[string]bool{"bypass": true, "auto": true, "manual": true}
	for vendor, pc := range map[string]AgentPersonaConfig{
		"claude": cfg.Agents.Claude, "codex": cfg.Agents.Codex, "kimi": cfg.Agents.Kimi,
	} {
		if pc.Permissions != "" && !validPermissions[pc.Permissions] {
			errs = append(errs, fmt.Sprintf("agents.%s.permissions must be one of: bypass, auto, manual", vendor))
		}
	}

	if cfg.Timeouts.Idle <= 0 {
		errs = append(errs, "timeouts.idle must be positive")
	}
	if cfg.Timeouts.Parse <= 0 {
		errs = append(errs, "timeouts.parse must be positive")
	}
	if cfg.Chat.MaxEvents <= 0 {
		errs = append(errs, "chat.maxEvents must be positive")
	}
	if cfg.Chat.RelayCooldown <= 0 {
		errs = append(errs, "chat.relayCooldown must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// PersonaFor returns the configured defaults for a vendor type, or an empty
// config for unknown types.
func (a *AgentsConfig) PersonaFor(agentType string) AgentPersonaConfig {
	switch strings.ToLower(agentType) {
	case "claude":
		return a.Claude
	case "codex":
		return a.Codex
	case "kimi":
		return a.Kimi
	}
	return AgentPersonaConfig{}
}
