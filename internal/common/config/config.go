// Package config provides configuration management for Superagent.
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

// Config holds all configuration sections for Superagent.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Data          DataConfig          `mapstructure:"data"`
	Runtime       RuntimeConfig       `mapstructure:"runtime"`
	Docker        DockerConfig        `mapstructure:"docker"`
	Container     ContainerConfig     `mapstructure:"container"`
	Bus           BusConfig           `mapstructure:"bus"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the on-disk layout configuration.
// Agent workspaces, session transcripts and the app database all live
// under Dir.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// RuntimeConfig selects the container runtime variant.
type RuntimeConfig struct {
	// Runner is the configured runtime: "docker" or "apple".
	Runner string `mapstructure:"runner"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// ContainerConfig holds per-agent container settings.
type ContainerConfig struct {
	Image         string `mapstructure:"image"`
	BuildDir      string `mapstructure:"buildDir"`      // source directory to build Image from if missing
	BasePort      int    `mapstructure:"basePort"`      // first host port to try
	InternalPort  int    `mapstructure:"internalPort"`  // port the agent server listens on inside the container
	HealthTimeout int    `mapstructure:"healthTimeout"` // seconds to wait for /health
	StopTimeout   int    `mapstructure:"stopTimeout"`   // seconds to wait for graceful stop
}

// BusConfig holds event bus configuration. An empty NATS URL keeps
// fan-out purely in-process.
type BusConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
}

// SchedulerConfig holds scheduled task engine configuration.
type SchedulerConfig struct {
	TickInterval int `mapstructure:"tickInterval"` // in seconds, capped at 60
}

// NotificationsConfig holds notification policy configuration.
type NotificationsConfig struct {
	Enabled bool `mapstructure:"enabled"`
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

// HealthTimeoutDuration returns the container health wait as a time.Duration.
func (c *ContainerConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(c.HealthTimeout) * time.Second
}

// StopTimeoutDuration returns the container stop timeout as a time.Duration.
func (c *ContainerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Second
}

// TickIntervalDuration returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// AppDBPath returns the path of the SQLite application database.
func (d *DataConfig) AppDBPath() string {
	return filepath.Join(d.Dir, "app.db")
}

// AgentDir returns the root directory for an agent's on-disk state.
func (d *DataConfig) AgentDir(slug string) string {
	return filepath.Join(d.Dir, "agents", slug)
}

// WorkspaceDir returns the directory mounted into an agent's container.
func (d *DataConfig) WorkspaceDir(slug string) string {
	return filepath.Join(d.AgentDir(slug), "workspace")
}

// SessionsDir returns the directory holding an agent's session transcripts.
func (d *DataConfig) SessionsDir(slug string) string {
	return filepath.Join(d.AgentDir(slug), "sessions")
}

// SubagentsDir returns the directory holding an agent's sub-agent transcripts.
func (d *DataConfig) SubagentsDir(slug string) string {
	return filepath.Join(d.AgentDir(slug), "subagents")
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SUPERAGENT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8484)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming endpoints need no write deadline

	// Data defaults
	v.SetDefault("data.dir", "./data")

	// Runtime defaults
	v.SetDefault("runtime.runner", "docker")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Container defaults
	v.SetDefault("container.image", "superagent-agent:latest")
	v.SetDefault("container.buildDir", "./container")
	v.SetDefault("container.basePort", 10800)
	v.SetDefault("container.internalPort", 8080)
	v.SetDefault("container.healthTimeout", 60)
	v.SetDefault("container.stopTimeout", 10)

	// Bus defaults - empty URL means in-process fan-out only
	v.SetDefault("bus.natsUrl", "")

	// Scheduler defaults
	v.SetDefault("scheduler.tickInterval", 60)

	// Notifications defaults
	v.SetDefault("notifications.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SUPERAGENT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/superagent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SUPERAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("data.dir", "SUPERAGENT_DATA_DIR")
	_ = v.BindEnv("container.basePort", "SUPERAGENT_CONTAINER_BASE_PORT")
	_ = v.BindEnv("bus.natsUrl", "SUPERAGENT_BUS_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/superagent/")

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

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	switch cfg.Runtime.Runner {
	case "docker", "apple":
	default:
		errs = append(errs, "runtime.runner must be one of: docker, apple")
	}

	if cfg.Container.BasePort <= 0 || cfg.Container.BasePort > 65535 {
		errs = append(errs, "container.basePort must be between 1 and 65535")
	}
	if cfg.Container.InternalPort <= 0 || cfg.Container.InternalPort > 65535 {
		errs = append(errs, "container.internalPort must be between 1 and 65535")
	}
	if cfg.Container.HealthTimeout <= 0 {
		errs = append(errs, "container.healthTimeout must be positive")
	}

	if cfg.Scheduler.TickInterval <= 0 || cfg.Scheduler.TickInterval > 60 {
		errs = append(errs, "scheduler.tickInterval must be between 1 and 60 seconds")
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
