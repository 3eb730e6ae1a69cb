// Package config loads kernel configuration from 12-factor environment
// variables, optionally layered over a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds kernel and worker configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"` // empty selects SQLite lite mode
	DataDir     string `yaml:"data_dir"`

	Facets        []string      `yaml:"facets"`
	Platform      string        `yaml:"platform"`
	Hermetic      bool          `yaml:"hermetic"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	Workers       int           `yaml:"workers"`
	AdmitRPS      float64       `yaml:"admit_rps"`
	LeasePolicy   string        `yaml:"lease_policy"`
	MemoSize      int           `yaml:"memo_size"`
	CatalogPath   string        `yaml:"catalog"`
	SecretsPrefix string        `yaml:"secrets_prefix"`

	RedisAddr string `yaml:"redis_addr"`

	WorldStorageType string `yaml:"world_storage_type"`
	WorldBucket      string `yaml:"world_bucket"`
	WorldRegion      string `yaml:"world_region"`
	WorldEndpoint    string `yaml:"world_endpoint"`
	WorldPrefix      string `yaml:"world_prefix"`

	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	RemoteSigningKey string `yaml:"-"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		LogLevel:         "INFO",
		DataDir:          "data",
		Facets:           []string{"artifacts", "streams"},
		Platform:         "linux/amd64",
		InvokeTimeout:    5 * time.Minute,
		Workers:          4,
		LeasePolicy:      "plan",
		MemoSize:         1024,
		SecretsPrefix:    "SUBSTRATE_SECRET_",
		WorldStorageType: "fs",
	}
}

// Load loads configuration from environment variables. If SUBSTRATE_CONFIG
// names a YAML file it is applied first and the environment wins.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("SUBSTRATE_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SUBSTRATE_DATA_DIR", &c.DataDir)
	str("SUBSTRATE_PLATFORM", &c.Platform)
	str("SUBSTRATE_LEASE_POLICY", &c.LeasePolicy)
	str("SUBSTRATE_CATALOG", &c.CatalogPath)
	str("SUBSTRATE_SECRETS_PREFIX", &c.SecretsPrefix)
	str("REDIS_ADDR", &c.RedisAddr)
	str("WORLD_STORAGE_TYPE", &c.WorldStorageType)
	str("WORLD_BUCKET", &c.WorldBucket)
	str("WORLD_REGION", &c.WorldRegion)
	str("WORLD_ENDPOINT", &c.WorldEndpoint)
	str("WORLD_PREFIX", &c.WorldPrefix)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("SUBSTRATE_REMOTE_SIGNING_KEY", &c.RemoteSigningKey)

	if v := os.Getenv("SUBSTRATE_FACETS"); v != "" {
		c.Facets = splitList(v)
	}
	if v := os.Getenv("SUBSTRATE_HERMETIC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SUBSTRATE_HERMETIC: %w", err)
		}
		c.Hermetic = b
	}
	if v := os.Getenv("SUBSTRATE_INVOKE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SUBSTRATE_INVOKE_TIMEOUT: %w", err)
		}
		c.InvokeTimeout = d
	}
	if v := os.Getenv("SUBSTRATE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SUBSTRATE_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("SUBSTRATE_ADMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SUBSTRATE_ADMIT_RPS: %w", err)
		}
		c.AdmitRPS = f
	}
	if v := os.Getenv("SUBSTRATE_MEMO_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SUBSTRATE_MEMO_SIZE: %w", err)
		}
		c.MemoSize = n
	}
	return nil
}

// Validate rejects settings the kernel cannot start with.
func (c *Config) Validate() error {
	if len(c.Facets) == 0 {
		return fmt.Errorf("config: at least one facet is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.AdmitRPS < 0 {
		return fmt.Errorf("config: admit_rps must not be negative")
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("config: invoke_timeout must be positive")
	}
	switch c.LeasePolicy {
	case "plan", "selector":
	default:
		return fmt.Errorf("config: unknown lease policy %q", c.LeasePolicy)
	}
	return nil
}

// LiteMode reports whether SQLite stands in for Postgres.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
