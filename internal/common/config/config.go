// Package config provides configuration management for the hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Hub      HubConfig      `mapstructure:"hub"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the PersistentStore's SQLite connection configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration used for VersionedLog fan-out.
// An empty URL selects the in-memory bus instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HubConfig holds Realtime State Hub specific tunables.
type HubConfig struct {
	// StateDir is the directory holding sync.db (see database.path for the file itself).
	StateDir string `mapstructure:"stateDir"`
	// AllowedRoots restricts openWorkspace to paths contained within one of these
	// directories. An empty list means "any path is allowed".
	AllowedRoots []string `mapstructure:"allowedRoots"`
	// SnapshotEveryDeltas triggers a snapshot after this many committed deltas.
	SnapshotEveryDeltas int `mapstructure:"snapshotEveryDeltas"`
	// SnapshotEverySeconds triggers a snapshot after this much continuous activity.
	SnapshotEverySeconds int `mapstructure:"snapshotEverySeconds"`
	// PruneSafetyMargin is the minimum number of deltas kept behind the oldest
	// ack cursor even after a snapshot, per §4.1's pruning rule.
	PruneSafetyMargin int `mapstructure:"pruneSafetyMargin"`
	// ClientQueueLimit is validated as positive but is not passed to SyncHub:
	// each client's outbound queue holds a fixed 256 frames (sendQueueLimit in
	// internal/hub/sync).
	ClientQueueLimit int `mapstructure:"clientQueueLimit"`
	// DurabilityWarnMillis is the commit-latency ceiling past which a warning
	// is logged without aborting the commit (§5).
	DurabilityWarnMillis int `mapstructure:"durabilityWarnMillis"`
	// AgentCommand is the executable (plus args) spawned per slot to host the
	// out-of-scope AgentSession; it is expected to speak the ACP message
	// vocabulary over stdin/stdout.
	AgentCommand []string `mapstructure:"agentCommand"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SnapshotEveryDuration returns the snapshot time threshold as a time.Duration.
func (h *HubConfig) SnapshotEveryDuration() time.Duration {
	return time.Duration(h.SnapshotEverySeconds) * time.Second
}

// DurabilityWarnDuration returns the commit latency warning ceiling.
func (h *HubConfig) DurabilityWarnDuration() time.Duration {
	return time.Duration(h.DurabilityWarnMillis) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PIDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./pideck-state/sync.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "pideck-cluster")
	v.SetDefault("nats.clientId", "pideck-hub")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("hub.stateDir", "./pideck-state")
	v.SetDefault("hub.allowedRoots", []string{})
	v.SetDefault("hub.snapshotEveryDeltas", 1000)
	v.SetDefault("hub.snapshotEverySeconds", 60)
	v.SetDefault("hub.pruneSafetyMargin", 1024)
	v.SetDefault("hub.clientQueueLimit", 10000)
	v.SetDefault("hub.durabilityWarnMillis", 100)
	v.SetDefault("hub.agentCommand", []string{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PIDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/pideck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PIDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "PIDECK_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "PIDECK_EVENTS_NAMESPACE")
	_ = v.BindEnv("hub.stateDir", "PIDECK_STATE_DIR")
	_ = v.BindEnv("hub.allowedRoots", "PIDECK_ALLOWED_ROOTS")
	_ = v.BindEnv("hub.agentCommand", "PIDECK_AGENT_COMMAND")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pideck/")

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

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Hub.SnapshotEveryDeltas <= 0 {
		errs = append(errs, "hub.snapshotEveryDeltas must be positive")
	}
	if cfg.Hub.ClientQueueLimit <= 0 {
		errs = append(errs, "hub.clientQueueLimit must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
