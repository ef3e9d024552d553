// Package config loads the engine configuration from JSON with
// environment variable substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Pool      PoolConfig      `json:"pool"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Breaker   BreakerConfig   `json:"breaker"`
	Consensus ConsensusConfig `json:"consensus"`
	Health    HealthConfig    `json:"health"`
	Database  DatabaseConfig  `json:"database"`
	// Agents declares pools created at startup.
	Agents []AgentPoolConfig `json:"agents"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// PoolConfig bounds the agent pool. Durations are milliseconds.
type PoolConfig struct {
	MaxConcurrent      int     `json:"max_concurrent"`
	MinPool            int     `json:"min_pool"`
	MaxPool            int     `json:"max_pool"`
	HealthIntervalMS   int     `json:"health_interval_ms"`
	DegradedThreshold  float64 `json:"degraded_threshold"`
	DegradedCooldownMS int     `json:"degraded_cooldown_ms"`
	DrainTimeoutMS     int     `json:"drain_timeout_ms"`
}

type SchedulerConfig struct {
	QueueCapacity     int `json:"queue_capacity"`
	DefaultDeadlineMS int `json:"default_deadline_ms"`
	RetentionMS       int `json:"retention_ms"`
}

type BreakerConfig struct {
	MaxFailures   int `json:"max_failures"`
	CooldownMS    int `json:"cooldown_ms"`
	MaxAttempts   int `json:"max_attempts"`
	BackoffBaseMS int `json:"backoff_base_ms"`
	CallTimeoutMS int `json:"call_timeout_ms"`
}

type ConsensusConfig struct {
	Agents    int     `json:"agents"`
	Quorum    float64 `json:"quorum"`
	WindowMS  int     `json:"window_ms"`
	MaxRounds int     `json:"max_rounds"`
	MaxFaulty int     `json:"max_faulty"`
}

type HealthConfig struct {
	WindowSize     int     `json:"window_size"`
	P95AlertMS     int     `json:"p95_alert_ms"`
	ErrorRateAlert float64 `json:"error_rate_alert"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// AgentPoolConfig declares a pool of identical agents created at startup.
type AgentPoolConfig struct {
	Type         string   `json:"type"`
	Size         int      `json:"size"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run safely. Zero
// values are allowed; components apply their own defaults.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if q := c.Consensus.Quorum; q != 0 && (q <= 0.5 || q > 1) {
		return fmt.Errorf("consensus quorum %.2f out of range (0.5, 1]", q)
	}
	if n, f := c.Consensus.Agents, c.Consensus.MaxFaulty; n != 0 && n < 3*f+1 {
		return fmt.Errorf("consensus N=%d cannot tolerate f=%d faulty agents: need N ≥ 3f+1 = %d", n, f, 3*f+1)
	}
	if c.Pool.MinPool > c.Pool.MaxPool && c.Pool.MaxPool != 0 {
		return fmt.Errorf("pool min %d exceeds max %d", c.Pool.MinPool, c.Pool.MaxPool)
	}
	for _, a := range c.Agents {
		if a.Type == "" {
			return fmt.Errorf("agent pool with empty type")
		}
		if a.Size < 0 {
			return fmt.Errorf("agent pool %s: negative size %d", a.Type, a.Size)
		}
	}
	return nil
}
