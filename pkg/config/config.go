// Package config loads service configuration from an optional YAML file
// with PROXY_* environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxDeliveryConcurrency caps PROXY_WORKER_CONCURRENCY_DELIVERIES.
const MaxDeliveryConcurrency = 50

// Config is the full service configuration.
type Config struct {
	DataDir string `yaml:"dataDir"`

	BindHost    string   `yaml:"bindHost"`
	CORSOrigins []string `yaml:"corsOrigins"`

	// SQLitePath enables the relational mirror when non-empty.
	SQLitePath string `yaml:"sqlitePath"`

	Delivery DeliveryConfig `yaml:"delivery"`
	Autotick AutotickConfig `yaml:"autotick"`
}

// DeliveryConfig controls the outbound delivery worker.
type DeliveryConfig struct {
	HTTPTimeoutMS    int64 `yaml:"httpTimeoutMs"` // 0 = no timeout
	Concurrency      int   `yaml:"concurrency"`   // capped at MaxDeliveryConcurrency
	MaxAttempts      int   `yaml:"maxAttempts"`
	BackoffBaseMS    int64 `yaml:"backoffBaseMs"`
	BackoffMaxMS     int64 `yaml:"backoffMaxMs"`
	RetentionDays    int   `yaml:"retentionDays"`    // delivered; 0 = no cap
	RetentionDLQDays int   `yaml:"retentionDlqDays"` // failed; 0 = no cap
}

// AutotickConfig drives the periodic tick scheduler.
type AutotickConfig struct {
	Enabled    bool  `yaml:"enabled"`
	IntervalMS int64 `yaml:"intervalMs"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		BindHost: "127.0.0.1",
		Delivery: DeliveryConfig{
			HTTPTimeoutMS: 10_000,
			Concurrency:   8,
			MaxAttempts:   5,
			BackoffBaseMS: 1_000,
			BackoffMaxMS:  60_000,
		},
		Autotick: AutotickConfig{
			Enabled:    true,
			IntervalMS: 5_000,
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Delivery.Concurrency < 1 {
		cfg.Delivery.Concurrency = 1
	}
	if cfg.Delivery.Concurrency > MaxDeliveryConcurrency {
		cfg.Delivery.Concurrency = MaxDeliveryConcurrency
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookupEnv("PROXY_DELIVERY_HTTP_TIMEOUT_MS"); ok {
		n, err := parseNonNegative(v, "PROXY_DELIVERY_HTTP_TIMEOUT_MS")
		if err != nil {
			return err
		}
		c.Delivery.HTTPTimeoutMS = n
	}
	if v, ok := lookupEnv("PROXY_WORKER_CONCURRENCY_DELIVERIES"); ok {
		n, err := parsePositive(v, "PROXY_WORKER_CONCURRENCY_DELIVERIES")
		if err != nil {
			return err
		}
		c.Delivery.Concurrency = int(n)
	}
	if v, ok := lookupEnv("PROXY_RETENTION_DELIVERIES_MAX_DAYS"); ok {
		n, err := parseNonNegative(v, "PROXY_RETENTION_DELIVERIES_MAX_DAYS")
		if err != nil {
			return err
		}
		c.Delivery.RetentionDays = int(n)
	}
	if v, ok := lookupEnv("PROXY_RETENTION_DELIVERY_DLQ_MAX_DAYS"); ok {
		n, err := parseNonNegative(v, "PROXY_RETENTION_DELIVERY_DLQ_MAX_DAYS")
		if err != nil {
			return err
		}
		c.Delivery.RetentionDLQDays = int(n)
	}
	if v, ok := lookupEnv("PROXY_CORS_ALLOW_ORIGINS"); ok {
		c.CORSOrigins = splitOrigins(v)
	}
	if v, ok := lookupEnv("PROXY_BIND_HOST"); ok {
		c.BindHost = v
	} else if v, ok := lookupEnv("BIND_HOST"); ok {
		c.BindHost = v
	}
	return nil
}

// HTTPTimeout converts the configured timeout to a duration; zero means
// no timeout.
func (d DeliveryConfig) HTTPTimeout() time.Duration {
	if d.HTTPTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(d.HTTPTimeoutMS) * time.Millisecond
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func parseNonNegative(v, name string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

func parsePositive(v, name string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, v)
	}
	return n, nil
}

func splitOrigins(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
