package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Linked lookup modes.
const (
	LookupSnapshot = "snapshot" // evaluate the dependent's latest snapshot in-process
	LookupFinding  = "finding"  // read the dependent's stored finding
)

// RuleServerConfig points evaluation at a remote policy server instead of the
// built-in rules.
type RuleServerConfig struct {
	URL      string            `yaml:"url"`
	Packages map[string]string `yaml:"packages"` // resource type -> policy package, e.g. s3: aws/s3_creation
	Timeout  time.Duration     `yaml:"timeout"`  // default 5s
}

// WebhookConfig is one notification target.
type WebhookConfig struct {
	URL          string `yaml:"url"`
	Type         string `yaml:"type"`                   // generic (default), slack, pagerduty, grafana
	RoutingKey   string `yaml:"routingKey,omitempty"`   // pagerduty
	APIKey       string `yaml:"apiKey,omitempty"`       // grafana
	DashboardUID string `yaml:"dashboardUID,omitempty"` // grafana
}

// NotificationConfig controls webhook delivery of finding changes.
type NotificationConfig struct {
	Webhooks   []WebhookConfig `yaml:"webhooks"`
	Severities []string        `yaml:"severities"` // default critical, high
	Cooldown   time.Duration   `yaml:"cooldown"`   // default 1h
	Enabled    bool            `yaml:"enabled"`
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`    // OTLP gRPC host:port; empty disables tracing
	SampleRatio float64 `yaml:"sampleRatio"` // default 1
	Insecure    bool    `yaml:"insecure"`
}

// Config holds configwatch runtime configuration.
type Config struct {
	ListenAddr          string             `yaml:"listenAddr"`          // default ":8080"
	MetricsPath         string             `yaml:"metricsPath"`         // default "/metrics"
	Database            string             `yaml:"database"`            // default "configwatch.db"
	PolicyFile          string             `yaml:"policyFile"`          // optional rule settings
	LinkedLookupMode    string             `yaml:"linkedLookupMode"`    // snapshot (default) or finding
	RuleServer          RuleServerConfig   `yaml:"ruleServer"`          // empty URL uses built-in rules
	EscalationThreshold int                `yaml:"escalationThreshold"` // default 3
	LinkedLookupTimeout time.Duration      `yaml:"linkedLookupTimeout"` // default 5s
	Workers             int                `yaml:"workers"`             // default 4
	Notifications       NotificationConfig `yaml:"notifications"`
	Tracing             TracingConfig      `yaml:"tracing"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:          ":8080",
		MetricsPath:         "/metrics",
		Database:            "configwatch.db",
		LinkedLookupMode:    LookupSnapshot,
		EscalationThreshold: 3,
		LinkedLookupTimeout: 5 * time.Second,
		Workers:             4,
		RuleServer:          RuleServerConfig{Timeout: 5 * time.Second},
		Notifications:       NotificationConfig{Cooldown: time.Hour},
		Tracing:             TracingConfig{SampleRatio: 1},
	}
}

// Load reads a YAML config file and merges with defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database must not be empty")
	}
	if c.EscalationThreshold < 1 {
		return fmt.Errorf("escalationThreshold must be at least 1, got %d", c.EscalationThreshold)
	}
	if c.LinkedLookupTimeout <= 0 {
		return fmt.Errorf("linkedLookupTimeout must be positive, got %s", c.LinkedLookupTimeout)
	}
	switch c.LinkedLookupMode {
	case LookupSnapshot, LookupFinding:
	default:
		return fmt.Errorf("linkedLookupMode must be %q or %q, got %q", LookupSnapshot, LookupFinding, c.LinkedLookupMode)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleRatio must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}
	if c.RuleServer.URL != "" && c.RuleServer.Timeout <= 0 {
		return fmt.Errorf("ruleServer.timeout must be positive, got %s", c.RuleServer.Timeout)
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" && wh.Type != "pagerduty" {
			return fmt.Errorf("notifications.webhooks[%d]: url must not be empty", i)
		}
		if wh.Type == "pagerduty" && wh.RoutingKey == "" {
			return fmt.Errorf("notifications.webhooks[%d]: pagerduty requires routingKey", i)
		}
	}
	return nil
}
