// Package config handles loading and validating client and target
// configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig holds the settings for the bulk-copy client process
// itself: pool-wide queueing, health and metrics endpoints.
type ClientConfig struct {
	InstanceID          string        `yaml:"instance_id"`
	QueueTimeout        time.Duration `yaml:"queue_timeout"`
	MaxQueueSize        int           `yaml:"max_queue_size"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
	MaxPacketSize       int           `yaml:"max_packet_size"`
}

// RedisConfig holds the Redis connection configuration used by the
// distributed job limiter.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
	MaxQueueDepth     int           `yaml:"max_queue_depth"`
}

// FallbackConfig holds configuration for fallback mode when Redis is
// unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// Config is the root configuration structure.
type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Targets  []Target
}

// clientFileConfig mirrors the YAML structure of the client config file.
type clientFileConfig struct {
	Client   ClientConfig   `yaml:"client"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// targetsFileConfig mirrors the YAML structure of the targets config file.
type targetsFileConfig struct {
	Targets []Target `yaml:"targets"`
}

// Load reads and parses both the client and targets configuration files.
func Load(clientConfigPath, targetsConfigPath string) (*Config, error) {
	clientData, err := os.ReadFile(clientConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading client config %s: %w", clientConfigPath, err)
	}

	var clientFile clientFileConfig
	if err := yaml.Unmarshal(clientData, &clientFile); err != nil {
		return nil, fmt.Errorf("parsing client config %s: %w", clientConfigPath, err)
	}

	targetsData, err := os.ReadFile(targetsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading targets config %s: %w", targetsConfigPath, err)
	}

	var targetsFile targetsFileConfig
	if err := yaml.Unmarshal(targetsData, &targetsFile); err != nil {
		return nil, fmt.Errorf("parsing targets config %s: %w", targetsConfigPath, err)
	}

	cfg := &Config{
		Client:   clientFile.Client,
		Redis:    clientFile.Redis,
		Fallback: clientFile.Fallback,
		Targets:  targetsFile.Targets,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}
	for i, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("targets[%d].id is required", i)
		}
		if t.Host == "" {
			return fmt.Errorf("targets[%d].host is required", i)
		}
		if t.Port == 0 {
			return fmt.Errorf("targets[%d].port is required", i)
		}
		if t.MaxConnections == 0 {
			return fmt.Errorf("targets[%d].max_connections is required", i)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Client.QueueTimeout == 0 {
		c.Client.QueueTimeout = 30 * time.Second
	}
	if c.Client.MaxQueueSize == 0 {
		c.Client.MaxQueueSize = 1000
	}
	if c.Client.HealthCheckInterval == 0 {
		c.Client.HealthCheckInterval = 15 * time.Second
	}
	if c.Client.HealthCheckPort == 0 {
		c.Client.HealthCheckPort = 8080
	}
	if c.Client.MetricsPort == 0 {
		c.Client.MetricsPort = 9090
	}
	if c.Client.MaxPacketSize == 0 {
		c.Client.MaxPacketSize = 4096
	}
	if c.Client.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Client.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Redis.MaxQueueDepth == 0 {
		c.Redis.MaxQueueDepth = 500
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}

	for i := range c.Targets {
		if c.Targets[i].MinIdle == 0 {
			c.Targets[i].MinIdle = 2
		}
		if c.Targets[i].MaxIdleTime == 0 {
			c.Targets[i].MaxIdleTime = 5 * time.Minute
		}
		if c.Targets[i].ConnectionTimeout == 0 {
			c.Targets[i].ConnectionTimeout = 30 * time.Second
		}
		if c.Targets[i].QueueTimeout == 0 {
			c.Targets[i].QueueTimeout = c.Client.QueueTimeout
		}
		if c.Targets[i].DefaultBatchSize == 0 {
			c.Targets[i].DefaultBatchSize = 500
		}
		if c.Targets[i].StatementTimeout == 0 {
			c.Targets[i].StatementTimeout = 5 * time.Minute
		}
	}
}

// TargetByID returns the target configuration for a given target ID.
func (c *Config) TargetByID(id string) (*Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].ID == id {
			return &c.Targets[i], true
		}
	}
	return nil, false
}

// TargetByDatabase returns the target configuration for a given
// database name.
func (c *Config) TargetByDatabase(database string) (*Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].Database == database {
			return &c.Targets[i], true
		}
	}
	return nil, false
}
