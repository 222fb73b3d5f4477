package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type ContainerConfig struct {
	MemoryLimit   string   `yaml:"memory_limit"`
	CPUQuota      int64    `yaml:"cpu_quota"`
	CPUPeriod     int64    `yaml:"cpu_period"`
	PidsLimit     int64    `yaml:"pids_limit"`
	DefaultImage  string   `yaml:"default_image"`
	AllowedImages []string `yaml:"allowed_images"`
	ReadonlyRoot  bool     `yaml:"readonly_rootfs"`
}

type LifecycleConfig struct {
	GracePeriodSeconds     int `yaml:"grace_period_seconds"`
	IdleTimeoutSeconds     int `yaml:"idle_timeout_seconds"`
	MaxLifetimeSeconds     int `yaml:"max_lifetime_seconds"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	HealthIntervalSeconds  int `yaml:"health_interval_seconds"`
	MetricsIntervalSeconds int `yaml:"metrics_interval_seconds"`
	OrphanIntervalSeconds  int `yaml:"orphan_interval_seconds"`
}

type RateLimitConfig struct {
	Enabled             bool `yaml:"enabled"`
	SessionCreateLimit  int  `yaml:"session_create_limit"`
	SessionCreateWindow int  `yaml:"session_create_window_seconds"`
}

type PrivacyConfig struct {
	SocksPort   int  `yaml:"socks_port"`
	ControlPort int  `yaml:"control_port"`
	Autostart   bool `yaml:"autostart"`
}

type Config struct {
	Host               string          `yaml:"host"`
	Port               int             `yaml:"port"`
	Environment        string          `yaml:"environment"`
	DBPath             string          `yaml:"db_path"`
	DBMaxConns         int             `yaml:"db_max_conns"`
	MaxSessionsPerUser int             `yaml:"max_sessions_per_user"`
	MaxSessionsPerIP   int             `yaml:"max_sessions_per_ip"`
	ValidateCommands   bool            `yaml:"validate_commands"`
	Container          ContainerConfig `yaml:"container"`
	Lifecycle          LifecycleConfig `yaml:"lifecycle"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	Privacy            PrivacyConfig   `yaml:"privacy"`
}

func (c *Config) Listen() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MemoryBytes parses the configured memory limit ("1GB", "512m", ...).
func (c *Config) MemoryBytes() (int64, error) {
	return units.RAMInBytes(c.Container.MemoryLimit)
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Host:               "0.0.0.0",
		Port:               3000,
		Environment:        "development",
		DBPath:             "./noxterm.db",
		DBMaxConns:         10,
		MaxSessionsPerUser: 3,
		MaxSessionsPerIP:   5,
		ValidateCommands:   true,
		Container: ContainerConfig{
			MemoryLimit:   "1GB",
			CPUQuota:      100000,
			CPUPeriod:     100000,
			PidsLimit:     200,
			DefaultImage:  "ubuntu:22.04",
			AllowedImages: []string{"ubuntu:22.04", "ubuntu:24.04", "debian:12"},
			ReadonlyRoot:  false,
		},
		Lifecycle: LifecycleConfig{
			GracePeriodSeconds:     300,
			IdleTimeoutSeconds:     600,
			MaxLifetimeSeconds:     3600,
			CleanupIntervalSeconds: 60,
			HealthIntervalSeconds:  30,
			MetricsIntervalSeconds: 15,
			OrphanIntervalSeconds:  300,
		},
		RateLimit: RateLimitConfig{
			Enabled:             true,
			SessionCreateLimit:  10,
			SessionCreateWindow: 60,
		},
		Privacy: PrivacyConfig{
			SocksPort:   9050,
			ControlPort: 9051,
			Autostart:   false,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOXTERM_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("NOXTERM_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("NOXTERM_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("NOXTERM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NOXTERM_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBMaxConns = n
		}
	}
	if v := os.Getenv("NOXTERM_MAX_SESSIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessionsPerUser = n
		}
	}
	if v := os.Getenv("NOXTERM_MAX_SESSIONS_PER_IP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessionsPerIP = n
		}
	}
	if v := os.Getenv("NOXTERM_VALIDATE_COMMANDS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ValidateCommands = b
		}
	}
	if v := os.Getenv("NOXTERM_MEMORY_LIMIT"); v != "" {
		cfg.Container.MemoryLimit = v
	}
	if v := os.Getenv("NOXTERM_CPU_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Container.CPUQuota = n
		}
	}
	if v := os.Getenv("NOXTERM_CPU_PERIOD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Container.CPUPeriod = n
		}
	}
	if v := os.Getenv("NOXTERM_PIDS_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Container.PidsLimit = n
		}
	}
	if v := os.Getenv("NOXTERM_DEFAULT_IMAGE"); v != "" {
		cfg.Container.DefaultImage = v
	}
	if v := os.Getenv("NOXTERM_ALLOWED_IMAGES"); v != "" {
		cfg.Container.AllowedImages = strings.Split(v, ",")
	}
	if v := os.Getenv("NOXTERM_READONLY_ROOTFS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Container.ReadonlyRoot = b
		}
	}
	if v := os.Getenv("NOXTERM_GRACE_PERIOD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.GracePeriodSeconds = n
		}
	}
	if v := os.Getenv("NOXTERM_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("NOXTERM_MAX_LIFETIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.MaxLifetimeSeconds = n
		}
	}
	if v := os.Getenv("NOXTERM_CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.CleanupIntervalSeconds = n
		}
	}
	if v := os.Getenv("NOXTERM_HEALTH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.HealthIntervalSeconds = n
		}
	}
	if v := os.Getenv("NOXTERM_RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Enabled = b
		}
	}
	if v := os.Getenv("NOXTERM_SESSION_CREATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.SessionCreateLimit = n
		}
	}
	if v := os.Getenv("NOXTERM_SESSION_CREATE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.SessionCreateWindow = n
		}
	}
	if v := os.Getenv("NOXTERM_SOCKS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Privacy.SocksPort = n
		}
	}
	if v := os.Getenv("NOXTERM_CONTROL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Privacy.ControlPort = n
		}
	}
	if v := os.Getenv("NOXTERM_PRIVACY_AUTOSTART"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Privacy.Autostart = b
		}
	}
}

// Validate rejects configs the service cannot run with and logs
// warnings for risky production settings.
func (c *Config) Validate(logger *slog.Logger) error {
	if c.Port == 0 {
		return fmt.Errorf("port must not be 0")
	}
	mem, err := c.MemoryBytes()
	if err != nil {
		return fmt.Errorf("invalid memory_limit %q: %w", c.Container.MemoryLimit, err)
	}
	if mem < 64*units.MiB {
		return fmt.Errorf("memory_limit %q below 64MB minimum", c.Container.MemoryLimit)
	}
	if len(c.Container.AllowedImages) == 0 {
		return fmt.Errorf("allowed_images must not be empty")
	}
	if c.Container.CPUPeriod <= 0 {
		return fmt.Errorf("cpu_period must be positive")
	}
	if c.Lifecycle.GracePeriodSeconds <= 0 {
		return fmt.Errorf("grace_period_seconds must be positive")
	}

	if c.Environment == "production" {
		if !c.ValidateCommands {
			logger.Warn("command validation disabled in production")
		}
		if !c.RateLimit.Enabled {
			logger.Warn("rate limiting disabled in production")
		}
		if !c.Container.ReadonlyRoot {
			logger.Warn("containers run with writable root filesystem in production")
		}
	}
	return nil
}
