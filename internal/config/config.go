// Package config loads the draftwise configuration file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/draftwise/draftwise/internal/quota"
)

// Config is the main configuration structure for draftwise.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Session  SessionConfig  `yaml:"session"`
	Quota    QuotaConfig    `yaml:"quota"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig configures the Postgres store. An empty URL selects
// the in-memory stores.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type SessionConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	MaxTokens     int    `yaml:"max_tokens"`
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	HistoryLimit  int    `yaml:"history_limit"`
}

// QuotaConfig declares the plans and the tenant assignments enforced
// by the quota gate.
type QuotaConfig struct {
	DefaultPlan string                 `yaml:"default_plan"`
	Tenants     map[string]string      `yaml:"tenants"`
	Plans       map[string]*quota.Plan `yaml:"plans"`
}

// StaticPlans builds the plan provider from the declared plans. Plan
// IDs come from the map keys.
func (q *QuotaConfig) StaticPlans() *quota.StaticPlans {
	plans := make(map[string]*quota.Plan, len(q.Plans))
	for id, plan := range q.Plans {
		p := *plan
		p.ID = id
		plans[id] = &p
	}
	return &quota.StaticPlans{
		Plans:   plans,
		Tenants: q.Tenants,
		Default: q.DefaultPlan,
	}
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variables
// in the file are expanded before parsing; unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Quota.DefaultPlan == "" && len(cfg.Quota.Plans) == 0 {
		cfg.Quota.DefaultPlan = "unlimited"
		cfg.Quota.Plans = map[string]*quota.Plan{"unlimited": {}}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("llm.default_provider %q is not configured under llm.providers", c.LLM.DefaultProvider)
		}
	}
	switch c.LLM.DefaultProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.default_provider must be anthropic or openai, got %q", c.LLM.DefaultProvider)
	}

	if _, ok := c.Quota.Plans[c.Quota.DefaultPlan]; !ok {
		return fmt.Errorf("quota.default_plan %q is not declared under quota.plans", c.Quota.DefaultPlan)
	}
	for tenant, planID := range c.Quota.Tenants {
		if _, ok := c.Quota.Plans[planID]; !ok {
			return fmt.Errorf("quota.tenants[%s] references unknown plan %q", tenant, planID)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	return nil
}
